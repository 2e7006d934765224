package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// settingsCRUD is an in-memory CRUD that can fail writes for chosen sections.
type settingsCRUD struct {
	rows   map[models.RecordID]models.Record
	failOn map[models.RecordID]error
	writes []models.RecordID
}

func newSettingsCRUD() *settingsCRUD {
	return &settingsCRUD{rows: map[models.RecordID]models.Record{}, failOn: map[models.RecordID]error{}}
}

func (s *settingsCRUD) Add(_ context.Context, _ string, item models.Record) (models.RecordID, error) {
	id, err := SettingsKey(item)
	if err != nil {
		return "", err
	}
	s.rows[id] = item
	return id, nil
}

func (s *settingsCRUD) Get(_ context.Context, _ string, id models.RecordID) (models.Record, error) {
	rec, ok := s.rows[id]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "missing")
	}
	return rec, nil
}

func (s *settingsCRUD) Update(_ context.Context, _ string, id models.RecordID, item models.Record) error {
	s.writes = append(s.writes, id)
	if err := s.failOn[id]; err != nil {
		return err
	}
	s.rows[id] = item
	return nil
}

func (s *settingsCRUD) Delete(_ context.Context, _ string, id models.RecordID) error {
	delete(s.rows, id)
	return nil
}

func (s *settingsCRUD) GetAll(context.Context, string) ([]models.Record, error) {
	return nil, nil
}

func TestSaveSettings_allSections(t *testing.T) {
	crud := newSettingsCRUD()
	saved, err := SaveSettings(context.Background(), crud, map[string]models.Record{
		"business": {"name": "Pizzería Don Luis"},
		"receipt":  {"footer": "Gracias"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"business", "receipt"}, saved)

	rec, err := GetSettings(context.Background(), crud, "business")
	require.NoError(t, err)
	assert.Equal(t, "business", rec["key"])
	assert.Equal(t, "Pizzería Don Luis", rec["name"])
}

// TestSaveSettings_partialFailure pins the non-atomic behaviour: sections saved
// before the failing one remain, later ones are never attempted.
func TestSaveSettings_partialFailure(t *testing.T) {
	crud := newSettingsCRUD()
	crud.failOn["printer"] = apperrors.New(apperrors.ErrDatabase, "disk full")

	saved, err := SaveSettings(context.Background(), crud, map[string]models.Record{
		"business": {"name": "Barbería"},
		"printer":  {"width": 58},
		"taxes":    {"iva": 16},
	})

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
	assert.Equal(t, []string{"business"}, saved)
	assert.Equal(t, []models.RecordID{"business", "printer"}, crud.writes)

	_, err = GetSettings(context.Background(), crud, "business")
	assert.NoError(t, err, "section written before the failure stays written")
	_, err = GetSettings(context.Background(), crud, "taxes")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "sections after the failure are not written")
}

func TestSaveSettings_doesNotMutateInput(t *testing.T) {
	crud := newSettingsCRUD()
	section := models.Record{"name": "x"}
	_, err := SaveSettings(context.Background(), crud, map[string]models.Record{"business": section})
	require.NoError(t, err)
	_, hasKey := section["key"]
	assert.False(t, hasKey)
}

func TestSaveSettings_emptyName(t *testing.T) {
	_, err := SaveSettings(context.Background(), newSettingsCRUD(), map[string]models.Record{"": {}})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestCheckName(t *testing.T) {
	assert.NoError(t, CheckName(models.StoreCustomers))
	assert.NoError(t, CheckName(models.StoreSettings))
	assert.True(t, apperrors.Is(CheckName("unknownThing"), apperrors.ErrInvalid))
	assert.True(t, apperrors.Is(CheckName(models.StoreSyncQueue), apperrors.ErrInvalid))
}

func TestUnavailable(t *testing.T) {
	u := &Unavailable{Cause: errors.New("open possync.db: permission denied")}
	ctx := context.Background()

	_, err := u.Add(ctx, models.StoreProducts, models.Record{})
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))
	_, err = u.Get(ctx, models.StoreProducts, "1")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable))
	assert.True(t, apperrors.Is(u.Update(ctx, models.StoreProducts, "1", nil), apperrors.ErrStorageUnavailable))
	assert.True(t, apperrors.Is(u.Delete(ctx, models.StoreProducts, "1"), apperrors.ErrStorageUnavailable))
	_, err = u.ListOutbox(ctx, true)
	assert.ErrorContains(t, err, "permission denied")
	assert.NoError(t, u.Close())
}
