// Package models provides data model definitions for the POS sync core.
package models

import (
	"fmt"
	"time"
)

// RemoteSettingsKey is the settings section holding the remote backend credential.
const RemoteSettingsKey = "remote"

// RemoteCredential holds the encrypted connection string of the remote backend.
// DSNEncrypted is never exposed in JSON responses.
type RemoteCredential struct {
	DSNEncrypted string `json:"-"`
	TenantID     string `json:"tenant_id"`
	UpdatedAt    int64  `json:"updated_at"`
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *RemoteCredential) UpdatedAtTime() time.Time {
	return time.Unix(c.UpdatedAt, 0)
}

// ToRecord converts the credential into a settings section.
func (c *RemoteCredential) ToRecord() Record {
	return Record{
		"key":           RemoteSettingsKey,
		"dsn_encrypted": c.DSNEncrypted,
		"tenant_id":     c.TenantID,
		"updated_at":    c.UpdatedAt,
	}
}

// RemoteCredentialFromRecord reads a credential back from its settings section.
func RemoteCredentialFromRecord(r Record) (*RemoteCredential, error) {
	dsn := r.String("dsn_encrypted")
	if dsn == "" {
		return nil, fmt.Errorf("settings section %q has no dsn", RemoteSettingsKey)
	}
	cred := &RemoteCredential{
		DSNEncrypted: dsn,
		TenantID:     r.String("tenant_id"),
	}
	switch v := r["updated_at"].(type) {
	case int64:
		cred.UpdatedAt = v
	case float64:
		cred.UpdatedAt = int64(v)
	case int:
		cred.UpdatedAt = int64(v)
	}
	return cred, nil
}
