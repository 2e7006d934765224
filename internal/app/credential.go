package app

import (
	"context"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

// sealedField is the settings field holding the encrypted DSN.
const sealedField = "dsn_encrypted"

// credentialGuard sits in front of the intercepted store. The remote
// credential section can only be written by SetRemoteDSN, and reads never
// return the sealed DSN.
type credentialGuard struct {
	next store.CRUD
}

func errReservedSection() error {
	return apperrors.Newf(apperrors.ErrInvalid, "settings section %q is reserved", models.RemoteSettingsKey)
}

func isCredential(storeName string, id models.RecordID) bool {
	return storeName == models.StoreSettings && id == models.RemoteSettingsKey
}

func redact(rec models.Record) models.Record {
	if _, ok := rec[sealedField]; !ok {
		return rec
	}
	rec = rec.Clone()
	delete(rec, sealedField)
	return rec
}

func (g *credentialGuard) Add(ctx context.Context, storeName string, item models.Record) (models.RecordID, error) {
	if storeName == models.StoreSettings && item.String("key") == models.RemoteSettingsKey {
		return "", errReservedSection()
	}
	return g.next.Add(ctx, storeName, item)
}

func (g *credentialGuard) Get(ctx context.Context, storeName string, id models.RecordID) (models.Record, error) {
	rec, err := g.next.Get(ctx, storeName, id)
	if err != nil || !isCredential(storeName, id) {
		return rec, err
	}
	return redact(rec), nil
}

func (g *credentialGuard) Update(ctx context.Context, storeName string, id models.RecordID, item models.Record) error {
	if isCredential(storeName, id) {
		return errReservedSection()
	}
	return g.next.Update(ctx, storeName, id, item)
}

func (g *credentialGuard) Delete(ctx context.Context, storeName string, id models.RecordID) error {
	if isCredential(storeName, id) {
		return errReservedSection()
	}
	return g.next.Delete(ctx, storeName, id)
}

func (g *credentialGuard) GetAll(ctx context.Context, storeName string) ([]models.Record, error) {
	recs, err := g.next.GetAll(ctx, storeName)
	if err != nil || storeName != models.StoreSettings {
		return recs, err
	}
	for i, rec := range recs {
		if rec.String("key") == models.RemoteSettingsKey {
			recs[i] = redact(rec)
		}
	}
	return recs, nil
}
