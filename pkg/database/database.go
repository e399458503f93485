// Package database persists the chat history log consumed by the /history
// command. History is an optional server feature; the protocol itself is
// stateless.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	nickname   TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
`

// DB wraps the SQLite history database.
type DB struct {
	conn *sql.DB
}

// LoggedMessage is one stored chat line.
type LoggedMessage struct {
	ID        int64
	Nickname  string
	Body      string
	CreatedAt time.Time
}

// Open opens the history database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; WAL lets the /history reads proceed alongside.
	conn.SetMaxOpenConns(4)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// LogMessage appends one chat line to the history.
func (db *DB) LogMessage(nickname, body string) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (nickname, body, created_at) VALUES (?, ?, ?)",
		nickname, body, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recent chat lines, oldest first.
func (db *DB) Recent(limit int) ([]LoggedMessage, error) {
	rows, err := db.conn.Query(
		"SELECT id, nickname, body, created_at FROM messages ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []LoggedMessage
	for rows.Next() {
		var m LoggedMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Nickname, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}
