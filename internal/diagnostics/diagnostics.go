// Package diagnostics provides an optional, application-layer event log
// recorder: it subscribes to the public event bus and persists
// StateChanged/BufferUnderrun/TrackDropout/AudioError rows for postmortem
// analysis. The mixing core itself remains stateless on disk; this package
// is a subscriber sitting outside the core's hot path.
package diagnostics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aurafx/mixcore/internal/events"
)

// dbWriteTimeout bounds each event-row insert so a stalled disk cannot hang
// the recorder's drain goroutine indefinitely.
const dbWriteTimeout = 2 * time.Second

// DB wraps a sql.DB connection configured for a single-writer SQLite file
// in WAL mode with a busy timeout.
type DB struct {
	*sql.DB
}

// Open creates or opens a SQLite database at dataDir/mixcore-events.db and
// ensures the event_log table exists.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("diagnostics: creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mixcore-events.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagnostics: pinging database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("diagnostics: migrating: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS event_log (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		old_state TEXT,
		new_state TEXT,
		missed_frames INTEGER,
		frame_position INTEGER,
		track_id TEXT,
		track_name TEXT,
		master_sample_position INTEGER,
		dropout_reason TEXT,
		message TEXT,
		cause TEXT
	)`)
	if err != nil {
		return fmt.Errorf("creating event_log table: %w", err)
	}
	return nil
}

// Recorder subscribes to an events.Bus and persists every event it
// receives until Stop is called, running its drain loop on its own
// goroutine so it never blocks the bus's publisher (the mixer pump or a
// source's decoder thread).
type Recorder struct {
	db     *DB
	logger *slog.Logger

	events <-chan events.Event
	unsub  func()
	done   chan struct{}
}

// NewRecorder subscribes to bus and returns a Recorder; call Start to begin
// draining, Stop to unsubscribe and wait for the drain goroutine to exit.
func NewRecorder(db *DB, bus *events.Bus, logger *slog.Logger) *Recorder {
	ch, unsub := bus.Subscribe()
	return &Recorder{
		db:     db,
		logger: logger.With("subsystem", "diagnostics"),
		events: ch,
		unsub:  unsub,
	}
}

// Start launches the drain goroutine.
func (r *Recorder) Start() {
	r.done = make(chan struct{})
	go r.run()
}

// Stop unsubscribes from the bus and waits for the drain goroutine to
// finish processing anything already in flight.
func (r *Recorder) Stop() {
	r.unsub()
	if r.done != nil {
		<-r.done
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.insert(ev); err != nil {
			r.logger.Warn("failed to persist event", "kind", ev.Kind.String(), "error", err)
		}
	}
}

func (r *Recorder) insert(ev events.Event) error {
	var cause string
	if ev.Cause != nil {
		cause = ev.Cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_log (
			id, kind, occurred_at, old_state, new_state, missed_frames,
			frame_position, track_id, track_name, master_sample_position,
			dropout_reason, message, cause
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind.String(), ev.Timestamp,
		ev.OldState, ev.NewState,
		ev.MissedFrames, ev.FramePosition,
		ev.TrackID, ev.TrackName, ev.MasterSamplePosition,
		ev.DropoutReason, ev.Message, cause,
	)
	if err != nil {
		return fmt.Errorf("inserting event row: %w", err)
	}
	return nil
}
