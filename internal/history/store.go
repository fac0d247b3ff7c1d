// Package history provides PostgreSQL-backed storage for meet sessions that
// left the coordinator's current view. FINISHED sessions feed the per-user
// history; ERROR sessions are kept for operators only.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/coffeemeet/meet-app/internal/matching"
)

// DefaultListLimit caps ListFinished when the caller passes no limit.
const DefaultListLimit = 50

// Store manages archived meet sessions in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive inserts sessions in one transaction. Sessions already archived are
// skipped, so a batch may be retried after a partial failure. Sessions that
// are still ACTIVE are rejected.
func (s *Store) Archive(ctx context.Context, sessions []matching.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	for _, session := range sessions {
		if session.Status != matching.StatusFinished && session.Status != matching.StatusError {
			return fmt.Errorf("history: session %s has status %s", session.ID, session.Status)
		}
		if session.FinishedAt == nil {
			return fmt.Errorf("history: session %s has no finish time", session.ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO meet_sessions (id, participant_a, participant_b, status, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("history: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, session := range sessions {
		_, err := stmt.ExecContext(ctx,
			session.ID,
			string(session.ParticipantA),
			string(session.ParticipantB),
			string(session.Status),
			session.CreatedAt.UTC(),
			session.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("history: insert %s: %w", session.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// LoadFinished returns FINISHED sessions that finished at or after since,
// newest first. It is used to seed the coordinator's history on startup.
func (s *Store) LoadFinished(ctx context.Context, since time.Time) ([]matching.Session, error) {
	const query = `
		SELECT id, participant_a, participant_b, status, created_at, finished_at
		FROM meet_sessions
		WHERE status = 'FINISHED'
		  AND finished_at >= $1
		ORDER BY finished_at DESC, created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("history: load finished: %w", err)
	}
	return scanSessions(rows)
}

// ListFinished returns up to limit FINISHED sessions of user, newest first.
func (s *Store) ListFinished(ctx context.Context, user matching.UserID, limit int) ([]matching.Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	const query = `
		SELECT id, participant_a, participant_b, status, created_at, finished_at
		FROM meet_sessions
		WHERE status = 'FINISHED'
		  AND (participant_a = $1 OR participant_b = $1)
		ORDER BY finished_at DESC, created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, string(user), limit)
	if err != nil {
		return nil, fmt.Errorf("history: list finished for %s: %w", user, err)
	}
	return scanSessions(rows)
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSessions(rows *sql.Rows) ([]matching.Session, error) {
	defer rows.Close()

	var out []matching.Session
	for rows.Next() {
		var (
			session  matching.Session
			a, b     string
			status   string
			finished time.Time
		)
		if err := rows.Scan(&session.ID, &a, &b, &status, &session.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		session.ParticipantA = matching.UserID(a)
		session.ParticipantB = matching.UserID(b)
		session.Status = matching.MeetStatus(status)
		session.CreatedAt = session.CreatedAt.UTC()
		finished = finished.UTC()
		session.FinishedAt = &finished
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
