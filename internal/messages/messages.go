// Package messages keeps the durable, sequence-numbered event log that
// local consoles page through with get_messages.
package messages

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridpulse/gridpulse/internal/logging"
	"github.com/gridpulse/gridpulse/internal/storage"
)

// Priority classifies a message.
type Priority int

const (
	PriorityInfo          Priority = 1
	PriorityUserAlert     Priority = 2
	PriorityInternalError Priority = 3
)

// Message is one logged event.
type Message struct {
	Seqno      int
	ID         string
	ProjectURL string
	Priority   Priority
	Body       string
	CreatedAt  time.Time
}

// Log is the SQLite-backed message log.
type Log struct {
	db  *storage.DB
	log *logging.Logger
	now func() time.Time
}

// NewLog wraps an opened, migrated database.
func NewLog(db *storage.DB) *Log {
	return &Log{
		db:  db,
		log: logging.WithComponent("messages"),
		now: time.Now,
	}
}

// Record appends a message and returns its seqno.
func (l *Log) Record(projectURL string, priority Priority, body string) (int, error) {
	res, err := l.db.Conn().Exec(
		"INSERT INTO messages (id, project_url, priority, body, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), projectURL, int(priority), body, l.now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	seqno, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(seqno), nil
}

// Since returns messages with seqno > sinceSeqno in increasing order,
// capped at limit (0 means no cap).
func (l *Log) Since(sinceSeqno, limit int) ([]Message, error) {
	q := "SELECT seqno, id, project_url, priority, body, created_at FROM messages WHERE seqno > ? ORDER BY seqno"
	args := []any{sinceSeqno}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.Conn().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var prio int
		var created int64
		if err := rows.Scan(&m.Seqno, &m.ID, &m.ProjectURL, &prio, &m.Body, &created); err != nil {
			return nil, err
		}
		m.Priority = Priority(prio)
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the highest assigned seqno, 0 when empty.
func (l *Log) Count() (int, error) {
	var seqno sql.NullInt64
	err := l.db.Conn().QueryRow("SELECT MAX(seqno) FROM messages").Scan(&seqno)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(seqno.Int64), nil
}

// Prune deletes messages created before cutoff, returning how many.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	res, err := l.db.Conn().Exec("DELETE FROM messages WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
