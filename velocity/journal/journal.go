// Package journal persists request lifecycles and tick summaries to SQLite.
//
// A Journal is an engine Observer. Callbacks copy what they need into a
// record and hand it to a single writer goroutine, so the engine loop never
// waits on disk. When the buffer is full, records are dropped and counted.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/velocity-tts/velocity/velocity"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Config controls where and how the journal writes.
type Config struct {
	Path       string // database file; parent directories are created
	Buffer     int    // pending records before new ones are dropped (0 = 1024)
	TickSample int    // journal every Nth non-idle tick (0 = none)
}

// Entry is one journaled request.
type Entry struct {
	ID           string
	PromptTokens int
	MaxTokens    int
	Priority     int
	SubmittedAt  time.Time
	AdmittedTick int // -1 while never admitted
	FinishedTick int // -1 while running
	State        string
	Reason       string
	Generated    int
	Error        string
}

type opKind int

const (
	opSubmit opKind = iota
	opAdmit
	opFinish
	opTick
	opSync
)

type op struct {
	kind  opKind
	entry Entry
	tick  velocity.TickReport
	done  chan struct{}
}

// Journal is a SQLite-backed velocity.Observer.
type Journal struct {
	db  *sql.DB
	cfg Config

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool
	ops    chan op
	wg     sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
}

var _ velocity.Observer = (*Journal)(nil)

// Open creates the database if needed and starts the writer.
func Open(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal: empty path")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, ops: make(chan op, cfg.Buffer)}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    id TEXT PRIMARY KEY,
    prompt_tokens INTEGER NOT NULL,
    max_tokens INTEGER NOT NULL,
    priority INTEGER NOT NULL,
    submitted_at INTEGER NOT NULL,
    admitted_tick INTEGER NOT NULL DEFAULT -1,
    finished_tick INTEGER NOT NULL DEFAULT -1,
    state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    generated INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS ticks (
    tick INTEGER PRIMARY KEY,
    batch INTEGER NOT NULL,
    prefill INTEGER NOT NULL,
    decode INTEGER NOT NULL,
    queued INTEGER NOT NULL,
    active INTEGER NOT NULL,
    used_blocks INTEGER NOT NULL,
    free_blocks INTEGER NOT NULL,
    step_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_submitted ON requests(submitted_at);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// OnSubmit implements velocity.Observer.
func (j *Journal) OnSubmit(seq *velocity.Sequence) {
	j.send(op{kind: opSubmit, entry: Entry{
		ID:           seq.ID,
		PromptTokens: len(seq.Request.Tokens),
		MaxTokens:    seq.Request.Sampling.MaxTokens,
		Priority:     seq.Request.Priority,
		SubmittedAt:  seq.Request.ArrivalTime,
		State:        string(seq.State),
	}})
}

// OnAdmit implements velocity.Observer.
func (j *Journal) OnAdmit(seq *velocity.Sequence, tick int) {
	j.send(op{kind: opAdmit, entry: Entry{ID: seq.ID, AdmittedTick: tick, State: string(seq.State)}})
}

// OnFinish implements velocity.Observer.
func (j *Journal) OnFinish(seq *velocity.Sequence, tick int) {
	e := Entry{
		ID:           seq.ID,
		FinishedTick: tick,
		State:        string(seq.State),
		Reason:       string(seq.FinishReason),
		Generated:    len(seq.Generated),
	}
	if seq.Err != nil {
		e.Error = seq.Err.Error()
	}
	j.send(op{kind: opFinish, entry: e})
}

// OnTick implements velocity.Observer.
func (j *Journal) OnTick(r velocity.TickReport) {
	if j.cfg.TickSample <= 0 || r.Idle() || r.Tick%j.cfg.TickSample != 0 {
		return
	}
	r.Batch, r.Admitted, r.Finished = nil, nil, nil
	j.send(op{kind: opTick, tick: r})
}

func (j *Journal) send(o op) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ops <- o:
	default:
		if j.dropped.Add(1) == 1 {
			logrus.Warnf("journal: buffer full, dropping records")
		}
	}
}

// Sync blocks until every record sent before the call has been written.
func (j *Journal) Sync(ctx context.Context) error {
	done := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.ops <- op{kind: opSync, done: done}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of records discarded because the buffer was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Failed returns the number of records the database rejected.
func (j *Journal) Failed() int64 { return j.failed.Load() }

// Close drains pending records and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writer() {
	defer j.wg.Done()
	ctx := context.Background()
	for o := range j.ops {
		if o.kind == opSync {
			close(o.done)
			continue
		}
		if err := j.write(ctx, o); err != nil {
			j.failed.Add(1)
			logrus.Warnf("journal: write failed: %v", err)
		}
	}
}

func (j *Journal) write(ctx context.Context, o op) error {
	e := o.entry
	var err error
	switch o.kind {
	case opSubmit:
		_, err = j.db.ExecContext(ctx,
			`INSERT INTO requests(id, prompt_tokens, max_tokens, priority, submitted_at, state)
			 VALUES(?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET state=excluded.state`,
			e.ID, e.PromptTokens, e.MaxTokens, e.Priority, e.SubmittedAt.UnixNano(), e.State)
	case opAdmit:
		_, err = j.db.ExecContext(ctx,
			`UPDATE requests SET admitted_tick = ?, state = ? WHERE id = ?`,
			e.AdmittedTick, e.State, e.ID)
	case opFinish:
		_, err = j.db.ExecContext(ctx,
			`UPDATE requests SET finished_tick = ?, state = ?, reason = ?, generated = ?, error = ? WHERE id = ?`,
			e.FinishedTick, e.State, e.Reason, e.Generated, e.Error, e.ID)
	case opTick:
		r := o.tick
		_, err = j.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO ticks(tick, batch, prefill, decode, queued, active, used_blocks, free_blocks, step_ns)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Tick, r.Prefill+r.Decode, r.Prefill, r.Decode, r.Queued, r.Active, r.UsedBlocks, r.FreeBlocks, r.StepTime.Nanoseconds())
	}
	return err
}
