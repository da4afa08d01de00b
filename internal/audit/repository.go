// Package audit keeps a log of extraction outcomes. Rows hold metadata only;
// card values, images and model answers are never written.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cardscan/internal/models"
	"cardscan/internal/storage"
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
)

// ErrDisabled is returned by a nil Repository.
var ErrDisabled = errors.New("audit store disabled")

type Repository struct {
	db     *sql.DB
	driver string
}

func NewRepository(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, driver: storage.Normalize(driver)}
}

// rebind rewrites ? placeholders for drivers that use $n.
func (r *Repository) rebind(query string) string {
	if r.driver != "pgx" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// Record stores ev and fills in its ID where the driver reports one.
func (r *Repository) Record(ctx context.Context, ev *models.ScanEvent) error {
	if r == nil || r.db == nil {
		return ErrDisabled
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	args := []any{
		ev.RequestID, string(ev.Outcome), ev.Stage, ev.ErrorKind, ev.Reason,
		ev.Provider, ev.Model, ev.MIMEType, ev.ImageBytes, ev.Attempts,
		ev.DurationMS, ev.CreatedAt,
	}
	query := `INSERT INTO scan_events (
		request_id, outcome, stage, error_kind, reason,
		provider, model, mime_type, image_bytes, attempts,
		duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if r.driver == "pgx" {
		err := r.db.QueryRowContext(ctx, r.rebind(query)+" RETURNING id", args...).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("insert scan event: %w", err)
		}
		return nil
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert scan event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// Recent returns the newest events first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]models.ScanEvent, error) {
	if r == nil || r.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, request_id, outcome, stage, error_kind, reason,
		       provider, model, mime_type, image_bytes, attempts,
		       duration_ms, created_at
		FROM scan_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query scan events: %w", err)
	}
	defer rows.Close()

	var events []models.ScanEvent
	for rows.Next() {
		var (
			ev      models.ScanEvent
			outcome string
		)
		if err := rows.Scan(
			&ev.ID, &ev.RequestID, &outcome, &ev.Stage, &ev.ErrorKind, &ev.Reason,
			&ev.Provider, &ev.Model, &ev.MIMEType, &ev.ImageBytes, &ev.Attempts,
			&ev.DurationMS, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Outcome = models.ScanOutcome(outcome)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeOlderThan deletes events created before now minus age.
func (r *Repository) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if r == nil || r.db == nil {
		return 0, ErrDisabled
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM scan_events WHERE created_at < ?`), time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("purge scan events: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return ErrDisabled
	}
	return r.db.PingContext(ctx)
}

// StartRetention purges expired events every interval until ctx is done.
func (r *Repository) StartRetention(ctx context.Context, interval, retention time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.PurgeOlderThan(ctx, retention)
				if err != nil {
					logger.Warn("purge scan events", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("purged scan events", zap.Int64("count", n))
				}
			}
		}
	}()
}
