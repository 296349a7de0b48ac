package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/gateway"
	"github.com/capstanhq/capstan/pkg/script"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	capability TEXT NOT NULL,
	params TEXT,
	ok INTEGER NOT NULL,
	error_kind TEXT,
	duration_ms INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS script_runs (
	id TEXT PRIMARY KEY,
	ok INTEGER NOT NULL,
	error_kind TEXT,
	calls_made INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocations_capability ON invocations(capability);
CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations(started_at);
CREATE INDEX IF NOT EXISTS idx_script_runs_started_at ON script_runs(started_at);
`

// Store persists invocation and script run records to SQLite. Writes go
// through a buffered channel and a single writer goroutine, so the hot
// paths never wait on the database; records are dropped with a warning if
// the buffer fills.
type Store struct {
	db      *sql.DB
	records chan any
	done    chan struct{}
	logger  zerolog.Logger
	once    sync.Once
}

// NewStore opens (creating if needed) the audit database at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	s := &Store{
		db:      db,
		records: make(chan any, 256),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "audit").Logger(),
	}
	go s.writeLoop()

	return s, nil
}

// RecordInvocation queues one invocation record.
func (s *Store) RecordInvocation(rec gateway.InvocationRecord) {
	s.enqueue(rec)
}

// RecordScriptRun queues one script run record.
func (s *Store) RecordScriptRun(rec script.RunRecord) {
	s.enqueue(rec)
}

func (s *Store) enqueue(rec any) {
	select {
	case s.records <- rec:
	default:
		s.logger.Warn().Msg("Audit buffer full, dropping record")
	}
}

// Close drains pending records and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.records)
		<-s.done
	})
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for rec := range s.records {
		switch r := rec.(type) {
		case gateway.InvocationRecord:
			s.writeInvocation(r)
		case script.RunRecord:
			s.writeScriptRun(r)
		}
	}
}

func (s *Store) writeInvocation(rec gateway.InvocationRecord) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO invocations (id, capability, params, ok, error_kind, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Capability, string(rec.Params), boolInt(rec.OK), rec.ErrorKind,
		rec.Duration.Milliseconds(), rec.StartedAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("invocation_id", rec.ID).Msg("Failed to write invocation record")
	}
}

func (s *Store) writeScriptRun(rec script.RunRecord) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO script_runs (id, ok, error_kind, calls_made, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, boolInt(rec.OK), rec.ErrorKind, rec.CallsMade,
		rec.Duration.Milliseconds(), rec.StartedAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", rec.ID).Msg("Failed to write script run record")
	}
}

// RecentInvocations returns the most recent invocation records, newest
// first.
func (s *Store) RecentInvocations(limit int) ([]gateway.InvocationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, capability, params, ok, error_kind, duration_ms, started_at
		 FROM invocations ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var records []gateway.InvocationRecord
	for rows.Next() {
		var rec gateway.InvocationRecord
		var params string
		var ok int
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.Capability, &params, &ok, &rec.ErrorKind, &durationMS, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invocation row: %w", err)
		}
		rec.Params = []byte(params)
		rec.OK = ok != 0
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
