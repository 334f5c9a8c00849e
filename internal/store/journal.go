// Package store persists session records and chat transcripts to sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/Teleconsult/internal/core"
	"github.com/dkeye/Teleconsult/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// SessionRow is the journal view of a finished or running session.
type SessionRow struct {
	ID            domain.SessionID     `json:"id"`
	AppointmentID domain.AppointmentID `json:"appointment_id,omitempty"`
	Role          domain.Role          `json:"role"`
	Status        string               `json:"status"`
	StartedAt     time.Time            `json:"started_at"`
	EndedAt       time.Time            `json:"ended_at,omitzero"`
	Duration      time.Duration        `json:"duration"`
	Reason        string               `json:"reason,omitempty"`
}

// Journal implements core.Journal on a sqlite database.
type Journal struct {
	db *sql.DB
}

var _ core.Journal = (*Journal)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between the session goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			appointment_id TEXT NOT NULL DEFAULT '',
			role           TEXT NOT NULL,
			status         TEXT NOT NULL,
			started_at     INTEGER NOT NULL,
			connected_at   INTEGER NOT NULL DEFAULT 0,
			ended_at       INTEGER NOT NULL DEFAULT 0,
			reason         TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			session_id   TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			sender_label TEXT NOT NULL DEFAULT '',
			body         TEXT NOT NULL,
			sent_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_session ON messages(session_id, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	log.Info().Str("module", "store").Str("path", path).Msg("journal opened")
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// SaveSession upserts the record.
func (j *Journal) SaveSession(ctx context.Context, s domain.Session) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, appointment_id, role, status, started_at, connected_at, ended_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			connected_at = excluded.connected_at,
			ended_at     = excluded.ended_at,
			reason       = excluded.reason
	`, string(s.ID), string(s.AppointmentID), string(s.Role), s.Status(),
		unixMilli(s.CreatedAt), unixMilli(s.ConnectedAt), unixMilli(s.EndedAt), s.Reason)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// AppendMessage adds m to the transcript of sid. Saving the same message
// twice is a no-op.
func (j *Journal) AppendMessage(ctx context.Context, sid domain.SessionID, m domain.ChatMessage) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_id, sender_label, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, string(sid), string(m.SenderID), m.SenderLabel, m.Body, unixMilli(m.SentAt))
	if err != nil {
		return fmt.Errorf("append message %s: %w", sid, err)
	}
	return nil
}

// Messages returns the transcript of sid in arrival order.
func (j *Journal) Messages(ctx context.Context, sid domain.SessionID) ([]domain.ChatMessage, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, sender_id, sender_label, body, sent_at
		FROM messages WHERE session_id = ? ORDER BY seq
	`, string(sid))
	if err != nil {
		return nil, fmt.Errorf("list messages %s: %w", sid, err)
	}
	defer rows.Close()

	out := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m      domain.ChatMessage
			sender string
			sentAt int64
		)
		if err := rows.Scan(&m.ID, &sender, &m.SenderLabel, &m.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderID = domain.ParticipantID(sender)
		m.SentAt = fromUnixMilli(sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (j *Journal) Session(ctx context.Context, sid domain.SessionID) (SessionRow, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, appointment_id, role, status, started_at, connected_at, ended_at, reason
		FROM sessions WHERE id = ?
	`, string(sid))
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, fmt.Errorf("session %s: %w", sid, ErrNotFound)
	}
	return r, err
}

// Sessions lists the most recent sessions first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, appointment_id, role, status, started_at, connected_at, ended_at, reason
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRow{}
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (SessionRow, error) {
	var (
		r                            SessionRow
		id, apt, role                string
		started, connected, endedAt int64
	)
	if err := s.Scan(&id, &apt, &role, &r.Status, &started, &connected, &endedAt, &r.Reason); err != nil {
		return SessionRow{}, err
	}
	r.ID = domain.SessionID(id)
	r.AppointmentID = domain.AppointmentID(apt)
	r.Role = domain.Role(role)
	r.StartedAt = fromUnixMilli(started)
	r.EndedAt = fromUnixMilli(endedAt)
	// duration counts from the first connect, like the live session
	if connected > 0 && endedAt > connected {
		r.Duration = time.Duration(endedAt-connected) * time.Millisecond
	}
	return r, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
