// Package history persists conversation history in a local SQLite file.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/delivery"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	peer       TEXT NOT NULL,
	outgoing   INTEGER NOT NULL DEFAULT 0,
	kind       TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	file_name  TEXT NOT NULL DEFAULT '',
	file_type  TEXT NOT NULL DEFAULT '',
	file_size  INTEGER NOT NULL DEFAULT 0,
	file_data  TEXT NOT NULL DEFAULT '',
	ts         INTEGER NOT NULL DEFAULT 0,
	status     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_peer_ts ON messages (peer, ts, seq);`

// Store implements delivery.Store.
type Store struct {
	db *sql.DB
}

var _ delivery.Store = (*Store)(nil)

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the pool would otherwise race on busy locks.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, m delivery.Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, peer, outgoing, kind, text, file_name, file_type, file_size, file_data, ts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Peer, m.Outgoing, string(m.Kind), m.Text,
		m.FileName, m.FileType, m.FileSize, m.FileData, m.Timestamp, int(m.Status))
	return err
}

func (s *Store) ListByConversation(ctx context.Context, peer string) ([]delivery.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, peer, outgoing, kind, text, file_name, file_type, file_size, file_data, ts, status
		FROM messages WHERE peer = ? ORDER BY ts, seq`, peer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.Message
	for rows.Next() {
		var (
			m      delivery.Message
			kind   string
			status int
		)
		if err := rows.Scan(&m.ID, &m.Peer, &m.Outgoing, &kind, &m.Text,
			&m.FileName, &m.FileType, &m.FileSize, &m.FileData, &m.Timestamp, &status); err != nil {
			return nil, err
		}
		m.Kind = delivery.Kind(kind)
		m.Status = delivery.Status(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Peers lists every conversation partner, most recent activity first.
func (s *Store) Peers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer FROM messages GROUP BY peer ORDER BY MAX(ts) DESC, peer`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// UpdateStatusIfHigher raises the status in a single statement so concurrent
// receipts cannot move it backwards.
func (s *Store) UpdateStatusIfHigher(ctx context.Context, id string, st delivery.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ? AND status < ?`, int(st), id, int(st))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, delivery.ErrNotFound
	}
	return false, err
}
