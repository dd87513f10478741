package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Event is one immutable audit record.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	CommandID string    `json:"commandId"`
	Phase     string    `json:"phase"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TEXT NOT NULL,
	command_id TEXT NOT NULL,
	phase      TEXT NOT NULL,
	decision   TEXT NOT NULL,
	reason     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_command ON audit_events(command_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
`

// Logger is the append-only audit store backed by SQLite.
//
// Writes are serialized through one mutex (single-writer discipline); reads go
// through the connection pool concurrently. AUTOINCREMENT guarantees strictly
// increasing sequence numbers with no reuse.
type Logger struct {
	mu sync.Mutex
	db *sql.DB

	retryMax   int
	retryDelay time.Duration

	onFatal func(error)
	logger  *zap.Logger
}

// NewLogger opens (or creates) the audit database at path.
func NewLogger(path string, retryMax int, retryDelay time.Duration, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Logger{
		db:         db,
		retryMax:   retryMax,
		retryDelay: retryDelay,
		logger:     logger.Named("audit"),
	}, nil
}

// SetFatalHandler installs the escalation hook invoked when persistence fails
// after all retries.
func (l *Logger) SetFatalHandler(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFatal = fn
}

// LogDecision appends one audit event. It satisfies the AuditSink interfaces
// of the arbiter, the safety package, and the command executor.
func (l *Logger) LogDecision(ctx context.Context, commandID, phase, decision, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)

	var err error
	for attempt := 0; attempt <= l.retryMax; attempt++ {
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO audit_events (ts, command_id, phase, decision, reason) VALUES (?, ?, ?, ?, ?)`,
			ts, commandID, phase, decision, reason)
		if err == nil {
			return
		}
		if attempt < l.retryMax {
			time.Sleep(l.retryDelay)
		}
	}

	// Retries exhausted: an unaudited safety decision is unacceptable.
	l.logger.Error("audit persistence failed, escalating",
		zap.String("commandId", commandID),
		zap.String("phase", phase),
		zap.String("decision", decision),
		zap.Error(err))
	if l.onFatal != nil {
		l.onFatal(fmt.Errorf("audit persistence failed for command %s: %w", commandID, err))
	}
}

// QueryByCommand returns every event for the command in sequence order.
func (l *Logger) QueryByCommand(ctx context.Context, commandID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, command_id, phase, decision, reason
		 FROM audit_events WHERE command_id = ? ORDER BY seq`, commandID)
	if err != nil {
		return nil, fmt.Errorf("query audit by command: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryRange returns every event with from <= ts < to in sequence order.
func (l *Logger) QueryRange(ctx context.Context, from, to time.Time) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, command_id, phase, decision, reason
		 FROM audit_events WHERE ts >= ? AND ts < ? ORDER BY seq`,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Export returns the full ordered event sequence.
func (l *Logger) Export(ctx context.Context) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, ts, command_id, phase, decision, reason FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("export audit log: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ev.Seq, &ts, &ev.CommandID, &ev.Phase, &ev.Decision, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed
		out = append(out, ev)
	}
	return out, rows.Err()
}
