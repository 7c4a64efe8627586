// Package ping implements the default collaborators.PingManager: every
// batch's accumulated events are persisted to PostgreSQL, and a Slack ops
// alert fires when a batch's failure rate crosses a threshold. Grounded on
// the teacher's internal/notifications.Service, which fans a single event
// out across delivery channels via internal/common's goroutine-per-item
// pattern — here replaced with golang.org/x/sync/errgroup since there is
// exactly one write (Postgres) and one optional alert (Slack), not an
// open-ended channel list.
package ping

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/notify"
)

// Manager implements collaborators.PingManager.
type Manager struct {
	db             *sql.DB
	notifier       notify.Notifier
	alertThreshold float64 // fraction of terminal events that are errors, 0 disables alerting
}

// New creates a Manager. notifier may be nil to disable ops alerting.
func New(db *sql.DB, notifier notify.Notifier, alertThreshold float64) *Manager {
	return &Manager{db: db, notifier: notifier, alertThreshold: alertThreshold}
}

// EnsureSchema creates the ping_events table if it does not already exist.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ping_events (
			id              BIGSERIAL PRIMARY KEY,
			session_id      TEXT NOT NULL,
			component_id    TEXT NOT NULL,
			event_type      INTEGER NOT NULL,
			event_result    INTEGER NOT NULL,
			error_category  INTEGER NOT NULL,
			error_code      INTEGER NOT NULL,
			extra_code1     INTEGER NOT NULL,
			previous_version TEXT NOT NULL DEFAULT '',
			next_version     TEXT NOT NULL DEFAULT '',
			diff_error_category INTEGER NOT NULL DEFAULT 0,
			diff_error_code      INTEGER NOT NULL DEFAULT 0,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure ping_events table: %w", err)
	}
	return nil
}

// SendPing implements collaborators.PingManager. It writes every event row
// and, independently, evaluates the batch's failure rate for ops alerting;
// a notifier failure never fails the flush itself (§4.2 phase 4: a flush
// failure is reported, not retried inline).
func (m *Manager) SendPing(ctx context.Context, sessionID string, events map[string][]component.Event) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.writeEvents(gctx, sessionID, events)
	})
	g.Go(func() error {
		m.maybeAlert(ctx, sessionID, events)
		return nil
	})

	return g.Wait()
}

func (m *Manager) writeEvents(ctx context.Context, sessionID string, events map[string][]component.Event) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ping tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ping_events (
			session_id, component_id, event_type, event_result,
			error_category, error_code, extra_code1,
			previous_version, next_version,
			diff_error_category, diff_error_code
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`)
	if err != nil {
		return fmt.Errorf("prepare ping insert: %w", err)
	}
	defer stmt.Close()

	for id, evs := range events {
		for _, e := range evs {
			if _, err := stmt.ExecContext(ctx, sessionID, id, e.EventType, e.EventResult,
				int(e.ErrorCat), e.ErrorCode, e.ExtraCode1,
				e.PreviousVersion, e.NextVersion,
				int(e.DiffErrorCat), e.DiffErrorCode,
			); err != nil {
				return fmt.Errorf("insert ping event for %s: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

// maybeAlert posts a Slack alert when the fraction of terminal events that
// are errors crosses m.alertThreshold. Best-effort: logs and returns on any
// failure rather than propagating, since alerting is not part of the ping
// flush's success criteria.
func (m *Manager) maybeAlert(ctx context.Context, sessionID string, events map[string][]component.Event) {
	if m.notifier == nil || m.alertThreshold <= 0 {
		return
	}

	var terminal, failed int
	for _, evs := range events {
		for _, e := range evs {
			if !e.IsTerminal() {
				continue
			}
			terminal++
			if e.EventResult == 0 {
				failed++
			}
		}
	}
	if terminal == 0 {
		return
	}

	rate := float64(failed) / float64(terminal)
	if rate < m.alertThreshold {
		return
	}

	msg := fmt.Sprintf("session %s: %d/%d components failed to update", sessionID, failed, terminal)
	if err := m.notifier.Alert(ctx, "update batch failure rate", msg); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to send ops alert")
	}
}
