package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ghostwall/internal/event"
)

// SQLiteStore persists events and sessions in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the
// schema migrations.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	// one writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	if err := NewMigrator(db, DialectSQLite, logger).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WrapQueryError("Begin", "events", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, type, source, src_ip, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), string(ev.Type), string(ev.Source), ev.SrcIP, ev.Timestamp.UnixNano(), string(payload),
	); err != nil {
		return WrapQueryError("Insert", "events", err)
	}

	if ev.Type.IsSession() {
		if err := s.foldSession(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return WrapQueryError("Commit", "events", err)
	}
	return nil
}

func (s *SQLiteStore) foldSession(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	meta, _ := ev.Session()
	if meta.Session == "" {
		return nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, meta.Session)
	sess, err := scanSession(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return WrapQueryError("Select", "sessions", err)
	}
	sess.fold(ev)

	commands, _ := json.Marshal(sess.Commands)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, src_ip, source, first_seen, last_seen, username, login_success, command_count, commands)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			username = excluded.username,
			login_success = excluded.login_success,
			command_count = excluded.command_count,
			commands = excluded.commands`,
		sess.ID, sess.SrcIP, string(sess.Source), sess.FirstSeen.UnixNano(), sess.LastSeen.UnixNano(),
		sess.Username, sess.LoginSuccess, sess.CommandCount, string(commands),
	); err != nil {
		return WrapQueryError("Upsert", "sessions", err)
	}
	return nil
}

const sessionColumns = `session_id, src_ip, source, first_seen, last_seen, username, login_success, command_count, commands`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess        Session
		source      string
		first, last int64
		commands    string
	)
	if err := r.Scan(&sess.ID, &sess.SrcIP, &source, &first, &last,
		&sess.Username, &sess.LoginSuccess, &sess.CommandCount, &commands); err != nil {
		return Session{}, err
	}
	sess.Source = event.Source(source)
	sess.FirstSeen = time.Unix(0, first).UTC()
	sess.LastSeen = time.Unix(0, last).UTC()
	if err := json.Unmarshal([]byte(commands), &sess.Commands); err != nil || sess.Commands == nil {
		sess.Commands = []string{}
	}
	return sess, nil
}

func (s *SQLiteStore) Events(ctx context.Context, q EventQuery) ([]event.Event, error) {
	query := "SELECT payload FROM events WHERE 1=1"
	args := []any{}

	if !q.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, q.Since.UnixNano())
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, string(q.Type))
	}
	if q.SrcIP != "" {
		query += " AND src_ip = ?"
		args = append(args, q.SrcIP)
	}
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", "events", err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, WrapQueryError("Scan", "events", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping unreadable stored event", "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Sessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions"
	args := []any{}
	if !q.Since.IsZero() {
		query += " WHERE last_seen >= ?"
		args = append(args, q.Since.UnixNano())
	}
	query += " ORDER BY last_seen DESC, session_id LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", "sessions", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, WrapQueryError("Scan", "sessions", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", cutoff.UnixNano())
	if err != nil {
		return 0, WrapQueryError("Delete", "events", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE last_seen < ?", cutoff.UnixNano()); err != nil {
		return 0, WrapQueryError("Delete", "sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, table := range []string{"events", "sessions"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return WrapQueryError("Delete", table, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
