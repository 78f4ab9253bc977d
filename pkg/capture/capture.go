// Package capture is the debugging trail: every inbound webhook body can
// be recorded to a SQLite log together with its decode outcome. Appends
// go through a buffered channel into a single writer goroutine; when the
// buffer is full the record is dropped and counted, never blocking the
// event pipeline.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nasbot/nasbot/pkg/logger"
)

// Record is one captured webhook body.
type Record struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	RemoteAddr string    `json:"remote_addr"`
	Encoding   string    `json:"encoding"`
	Valid      bool      `json:"valid"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Payload    string    `json:"payload"`
}

const schema = `
CREATE TABLE IF NOT EXISTS captures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at TEXT NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	encoding TEXT NOT NULL DEFAULT '',
	valid INTEGER NOT NULL DEFAULT 1,
	diagnostic TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_received_at ON captures(received_at);
`

// Log is the bounded capture log.
type Log struct {
	db         *sql.DB
	records    chan Record
	maxRecords int
	dropped    atomic.Int64
	stored     atomic.Int64

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

const appendBuffer = 256

func Open(path string, maxRecords int) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	if maxRecords <= 0 {
		maxRecords = 1000
	}

	l := &Log{
		db:         db,
		records:    make(chan Record, appendBuffer),
		maxRecords: maxRecords,
		done:       make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// Append queues a record for the writer. It never blocks: a full buffer
// drops the record, and so does a log that has already been closed.
// Event handlers can still be in flight while the process shuts down.
func (l *Log) Append(rec Record) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}

	select {
	case l.records <- rec:
	default:
		l.dropped.Add(1)
	}
}

func (l *Log) writeLoop() {
	defer close(l.done)

	for rec := range l.records {
		if err := l.insert(rec); err != nil {
			logger.ErrorCF("capture", "Failed to write capture record", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		l.stored.Add(1)
	}
}

func (l *Log) insert(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	valid := 0
	if rec.Valid {
		valid = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO captures (received_at, remote_addr, encoding, valid, diagnostic, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		rec.RemoteAddr, rec.Encoding, valid, rec.Diagnostic, rec.Payload)
	if err != nil {
		return err
	}

	// Retention: keep only the newest maxRecords rows.
	_, err = l.db.ExecContext(ctx,
		`DELETE FROM captures WHERE id NOT IN (SELECT id FROM captures ORDER BY id DESC LIMIT ?)`,
		l.maxRecords)
	return err
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > l.maxRecords {
		limit = l.maxRecords
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, received_at, remote_addr, encoding, valid, diagnostic, payload
		 FROM captures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var receivedAt string
		var valid int
		if err := rows.Scan(&rec.ID, &receivedAt, &rec.RemoteAddr, &rec.Encoding, &valid, &rec.Diagnostic, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Valid = valid != 0
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Dropped reports how many records were discarded because the writer
// could not keep up.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Stored reports how many records the writer has committed.
func (l *Log) Stored() int64 { return l.stored.Load() }

// Close stops the writer, waits for queued records to flush, and closes
// the database.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		l.closeMu.Unlock()
		close(l.records)
	})
	<-l.done
	return l.db.Close()
}
