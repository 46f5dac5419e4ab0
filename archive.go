package mitmproxy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS flows (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	method      TEXT,
	url         TEXT,
	status_code INTEGER,
	error       TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flows_created_at ON flows(created_at);
`

// ArchivedFlow is one persisted flow row.
type ArchivedFlow struct {
	ID         string    `db:"id"`
	Kind       string    `db:"kind"`
	Method     string    `db:"method"`
	URL        string    `db:"url"`
	StatusCode int       `db:"status_code"`
	Error      string    `db:"error"`
	CreatedAt  time.Time `db:"created_at"`
}

// FlowArchive persists completed flows to SQLite for post-mortem queries.
// It is a broadcast observer: register it on the hub and it records every
// flow that reaches a terminal stage (response or error). Writes happen on
// a private worker goroutine so Deliver never blocks the publisher.
type FlowArchive struct {
	db     *sqlx.DB
	logger *slog.Logger

	queue chan FlowSummary
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// OpenFlowArchive opens (creating if necessary) the archive database at
// path and starts the write worker. Use ":memory:" for an ephemeral
// archive.
func OpenFlowArchive(path string, logger *slog.Logger) (*FlowArchive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	a := &FlowArchive{
		db:     db,
		logger: logger,
		queue:  make(chan FlowSummary, 256),
	}

	a.wg.Add(1)
	go a.worker()

	return a, nil
}

// Deliver implements Observer. Only terminal flow updates are recorded;
// everything else is ignored. A full write queue drops the record and
// reports ErrObserverBusy so the hub can count it.
func (a *FlowArchive) Deliver(e Event) error {
	if e.Type != EventTypeFlows || (e.Cmd != CmdAdd && e.Cmd != CmdUpdate) {
		return nil
	}
	summary, ok := e.Data.(FlowSummary)
	if !ok {
		return nil
	}
	if summary.Kind != string(KindResponse) && summary.Kind != string(KindError) {
		return nil
	}

	select {
	case a.queue <- summary:
		return nil
	default:
		return ErrObserverBusy
	}
}

func (a *FlowArchive) worker() {
	defer a.wg.Done()
	for s := range a.queue {
		if err := a.upsert(s); err != nil {
			a.logger.Warn("archive write failed", "id", s.ID, "error", err)
		}
	}
}

func (a *FlowArchive) upsert(s FlowSummary) error {
	_, err := a.db.NamedExec(`
		INSERT OR REPLACE INTO flows (id, kind, method, url, status_code, error, created_at)
		VALUES (:id, :kind, :method, :url, :status_code, :error, :created_at)`,
		ArchivedFlow{
			ID:         s.ID,
			Kind:       s.Kind,
			Method:     s.Method,
			URL:        s.URL,
			StatusCode: s.StatusCode,
			Error:      s.Error,
			CreatedAt:  s.CreatedAt,
		})
	return err
}

// Recent returns the most recently captured flows, newest first.
func (a *FlowArchive) Recent(limit int) ([]ArchivedFlow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ArchivedFlow
	err := a.db.Select(&out,
		`SELECT id, kind, method, url, status_code, error, created_at
		 FROM flows ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return out, nil
}

// Count returns the number of archived flows.
func (a *FlowArchive) Count() (int, error) {
	var n int
	if err := a.db.Get(&n, `SELECT COUNT(*) FROM flows`); err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

// Close drains the write queue and closes the database. Close is
// idempotent; Deliver must not be called after Close (deregister the
// archive from the hub first).
func (a *FlowArchive) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.queue)
		a.wg.Wait()
		err = a.db.Close()
	})
	return err
}
