package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/records"
)

// SubscriptionsRepository stocke les headers et les containers de ledgers
// dans deux tables distinctes; les enregistrements anciens sont mis à niveau
// à la lecture puis réécrits.
type SubscriptionsRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSubscriptionsRepository(db *sql.DB, logger zerolog.Logger) *SubscriptionsRepository {
	return &SubscriptionsRepository{db: db, logger: logger}
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite retourne souvent une erreur texte du type:
	// "constraint failed: UNIQUE constraint failed: subscriptions.name (1555)"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "primary key")
}

func (r *SubscriptionsRepository) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	rec, err := records.EncodeSubscription(sub)
	if err != nil {
		return domain.Subscription{}, err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscriptions(name, version, record, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?)
	`, sub.Name, records.SubscriptionVersion, rec,
		sub.CreatedAt.UTC().Format(time.RFC3339), sub.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Subscription{}, fmt.Errorf("%w: subscription %q exists", ports.ErrConflict, sub.Name)
		}
		return domain.Subscription{}, err
	}
	return r.Get(ctx, sub.Name)
}

func (r *SubscriptionsRepository) Get(ctx context.Context, name string) (domain.Subscription, error) {
	var rec []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM subscriptions WHERE name = ?`, name).Scan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, ports.ErrNotFound
		}
		return domain.Subscription{}, err
	}
	sub, err := records.DecodeSubscription(rec)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription %q: %w", name, err)
	}
	if records.NeedsUpgrade(rec, records.SubscriptionVersion) {
		if err := r.write(ctx, sub); err != nil {
			r.logger.Warn().Err(err).Str("subscription", name).Msg("cannot rewrite upgraded subscription")
		} else {
			r.logger.Info().Str("subscription", name).Msg("subscription record upgraded")
		}
	}
	return sub, nil
}

func (r *SubscriptionsRepository) List(ctx context.Context, limit int) ([]domain.Subscription, error) {
	q := `
		SELECT name FROM subscriptions
		ORDER BY name ASC
	`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Subscription, 0, len(names))
	for _, n := range names {
		sub, err := r.Get(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *SubscriptionsRepository) write(ctx context.Context, sub domain.Subscription) error {
	rec, err := records.EncodeSubscription(sub)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET version = ?, record = ?, updated_at = ?
		WHERE name = ?
	`, records.SubscriptionVersion, rec, sub.UpdatedAt.UTC().Format(time.RFC3339), sub.Name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (r *SubscriptionsRepository) Update(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if err := r.write(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	return r.Get(ctx, sub.Name)
}

// Delete supprime le header et tous ses containers dans une transaction.
func (r *SubscriptionsRepository) Delete(ctx context.Context, name string) error {
	sub, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, c := range sub.ContainerNames() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM query_log_containers WHERE name = ?`, c); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE name = ?`, name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SubscriptionsRepository) GetContainer(ctx context.Context, name string) (*domain.QueryLogContainer, error) {
	var rec []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM query_log_containers WHERE name = ?`, name).Scan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ports.ErrNotFound
		}
		return nil, err
	}
	c, err := records.DecodeContainer(rec)
	if err != nil {
		return nil, fmt.Errorf("query log %q: %w", name, err)
	}
	// Le nom fait foi côté table.
	c.Name = name
	if records.NeedsUpgrade(rec, records.ContainerVersion) {
		if err := r.PutContainer(ctx, c); err != nil {
			r.logger.Warn().Err(err).Str("container", name).Msg("cannot rewrite upgraded query log")
		}
	}
	return c, nil
}

func (r *SubscriptionsRepository) PutContainer(ctx context.Context, c *domain.QueryLogContainer) error {
	rec, err := records.EncodeContainer(c)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO query_log_containers(name, version, record, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, record = excluded.record, updated_at = excluded.updated_at
	`, c.Name, records.ContainerVersion, rec, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r *SubscriptionsRepository) DeleteContainer(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_log_containers WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}
