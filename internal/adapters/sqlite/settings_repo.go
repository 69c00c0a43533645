package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/records"
)

const settingsKey = "default"

// SettingsRepository garde une seule ligne, enveloppe versionnée comprise.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context) (domain.Settings, error) {
	var rec []byte
	err := r.db.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key = ?`, settingsKey).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultSettings(), nil
	}
	if err != nil {
		return domain.Settings{}, err
	}

	s, err := records.DecodeSettings(rec)
	switch {
	case errors.Is(err, records.ErrUnsupportedVersion):
		// Ne pas écraser des réglages d'une version plus récente.
		return domain.Settings{}, fmt.Errorf("settings: %w", err)
	case err != nil:
		return domain.DefaultSettings(), nil
	}
	if records.NeedsUpgrade(rec, records.SettingsVersion) {
		if err := r.write(ctx, s); err != nil {
			return domain.Settings{}, fmt.Errorf("rewrite upgraded settings: %w", err)
		}
	}
	return s, nil
}

func (r *SettingsRepository) Put(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	if err := r.write(ctx, settings); err != nil {
		return domain.Settings{}, err
	}
	return r.Get(ctx)
}

func (r *SettingsRepository) write(ctx context.Context, settings domain.Settings) error {
	rec, err := records.EncodeSettings(settings)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings(key, version, value_json, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, settingsKey, records.SettingsVersion, rec, time.Now().UTC().Format(time.RFC3339))
	return err
}
