package eventlog

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/observability"
	"github.com/ksi-project/ksid/internal/router"
)

// Config tunes the three log tiers.
type Config struct {
	EventsDir          string
	DBPath             string
	RingSize           int
	ReferenceThreshold int
	BatchSize          int
	FlushInterval      time.Duration

	// Materialize resolves a referenceable field to an on-disk path the
	// content is already persisted at (completion responses), so
	// externalization records "<ref:path>" instead of stripping.
	Materialize MaterializedPaths
}

// pendingLine is a JSONL line queued for the writer goroutine, paired
// with the metadata row it should produce once flushed.
type pendingLine struct {
	line []byte
	row  metaRow
}

type metaRow struct {
	timestamp     float64
	eventName     string
	eventType     string
	originatorID  string
	constructID   string
	correlationID string
	eventID       string
	requestID     string
	sessionID     string
	status        string
	payloadRefs   map[string]string
}

// Log is the combined ring + JSONL + SQLite-index event log. Append is
// non-blocking: it pushes to the ring synchronously and hands the
// durable write off to a single batching writer goroutine.
type Log struct {
	cfg     Config
	ring    *Ring
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics

	queue     chan pendingLine
	flushDone chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	curDay      string
	curFile     *os.File
	curWriter   *bufio.Writer
	curOffset   int64
	batchThresh int
}

// Open initializes the events directory and SQLite index, and starts the
// batching writer goroutine.
func Open(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Log, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 2000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if err := os.MkdirAll(cfg.EventsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open event index: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	l := &Log{
		cfg:         cfg,
		ring:        NewRing(cfg.RingSize),
		db:          db,
		logger:      logger,
		metrics:     metrics,
		queue:       make(chan pendingLine, cfg.BatchSize*4),
		flushDone:   make(chan struct{}),
		batchThresh: cfg.BatchSize,
	}
	go l.writerLoop()
	return l, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			timestamp REAL NOT NULL,
			event_name TEXT NOT NULL,
			event_type TEXT,
			originator_id TEXT,
			construct_id TEXT,
			correlation_id TEXT,
			event_id TEXT PRIMARY KEY,
			request_id TEXT,
			session_id TEXT,
			status TEXT,
			file_path TEXT,
			file_offset INTEGER,
			payload_refs TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_name ON events(event_name);
		CREATE INDEX IF NOT EXISTS idx_events_originator ON events(originator_id);
		CREATE INDEX IF NOT EXISTS idx_events_construct ON events(construct_id);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
		CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	`)
	return err
}

// Append records ev in the hot ring immediately and queues it for
// durable (JSONL + SQLite) persistence. It never blocks on I/O; if the
// durable queue is saturated the entry is still visible via the ring,
// so enqueue never blocks on durable persistence.
func (l *Log) Append(ev *event.Event, status, errMsg string) {
	data, refs := Externalize(ev.Data, l.cfg.ReferenceThreshold, l.cfg.Materialize)
	entry := Entry{Event: &event.Event{
		Name: ev.Name, Data: data, CorrelationID: ev.CorrelationID,
		EventID: ev.EventID, Timestamp: ev.Timestamp, OriginatorID: ev.OriginatorID,
		ConstructID: ev.ConstructID, RequestID: ev.RequestID, SessionID: ev.SessionID,
		Status: status,
	}, Status: status, Error: errMsg, PayloadRefs: refs}
	l.ring.Push(entry)
	if l.metrics != nil {
		l.metrics.RecordEventLogWrite("ring")
		if l.ring.Dropped() > 0 {
			l.metrics.RecordEventLogDrop()
		}
		for range refs {
			l.metrics.RecordEventLogExternalized()
		}
	}

	line, err := json.Marshal(map[string]any{
		"timestamp":      ev.Timestamp,
		"event_name":     ev.Name,
		"originator_id":  ev.OriginatorID,
		"construct_id":   ev.ConstructID,
		"correlation_id": ev.CorrelationID,
		"event_id":       ev.EventID,
		"request_id":     ev.RequestID,
		"session_id":     ev.SessionID,
		"status":         status,
		"data":           data,
	})
	if err != nil {
		if l.logger != nil {
			l.logger.Error(context.Background(), "marshal event for durable log failed", "error", err)
		}
		return
	}
	line = append(line, '\n')
	row := metaRow{
		timestamp: ev.Timestamp, eventName: ev.Name, originatorID: ev.OriginatorID,
		constructID: ev.ConstructID, correlationID: ev.CorrelationID, eventID: ev.EventID,
		requestID: ev.RequestID, sessionID: ev.SessionID, status: status, payloadRefs: refs,
	}
	select {
	case l.queue <- pendingLine{line: line, row: row}:
	default:
		// Durable queue saturated: the ring already has this entry, so
		// the caller is never blocked; the durable copy is best-effort.
		if l.metrics != nil {
			l.metrics.RecordEventLogDrop()
		}
	}
}

// Ring exposes the hot ring for synchronous queries.
func (l *Log) Ring() *Ring { return l.ring }

// RouterAdapter returns a router.EventLog view of l, so the router can
// log through the same three-tier Log without eventlog depending on
// router's types at the Log method level.
func (l *Log) RouterAdapter() router.EventLog {
	return routerAdapter{l}
}

type routerAdapter struct{ log *Log }

func (a routerAdapter) Append(entry router.LogEntry) {
	a.log.Append(entry.Event, entry.Status, entry.Error)
}

// Checkpoint forces a WAL checkpoint on the metadata index, run
// periodically by the maintenance scheduler so the WAL file stays
// bounded on long-lived daemons.
func (l *Log) Checkpoint(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Close drains the writer and closes the SQLite handle.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.flushDone
	})
	if l.curWriter != nil {
		_ = l.curWriter.Flush()
	}
	if l.curFile != nil {
		_ = l.curFile.Close()
	}
	return l.db.Close()
}

func (l *Log) writerLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []pendingLine
	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := l.flushBatch(batch); err != nil && l.logger != nil {
			l.logger.Error(context.Background(), "event log flush failed", "error", err)
		}
		if l.metrics != nil {
			l.metrics.RecordEventLogFlush(time.Since(start).Seconds())
		}
		batch = batch[:0]
	}

	for {
		select {
		case p, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, p)
			// Backpressure: when the queue runs deep, shrink the batch
			// threshold so the writer flushes sooner; grow it back toward
			// the configured size as the queue drains.
			depth := len(l.queue)
			switch {
			case depth > cap(l.queue)/2 && l.batchThresh > 1:
				l.batchThresh = l.batchThresh / 2
				if l.batchThresh < 1 {
					l.batchThresh = 1
				}
			case depth < cap(l.queue)/4 && l.batchThresh < l.cfg.BatchSize:
				l.batchThresh++
			}
			if len(batch) >= l.batchThresh {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch appends every pending line to the current day's JSONL file
// and inserts the matching metadata rows, retrying on failure with
// exponential backoff.
func (l *Log) flushBatch(batch []pendingLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		if err := l.writeBatchLocked(batch); err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return nil
	}
	return lastErr
}

func (l *Log) writeBatchLocked(batch []pendingLine) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO events
			(timestamp, event_name, event_type, originator_id, construct_id,
			 correlation_id, event_id, request_id, session_id, status,
			 file_path, file_offset, payload_refs)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range batch {
		p := &batch[i]
		if err := l.ensureDayFileLocked(time.Unix(int64(p.row.timestamp), 0).UTC()); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := l.curWriter.Write(p.line); err != nil {
			tx.Rollback()
			return err
		}
		offset := l.curOffset
		l.curOffset += int64(len(p.line))

		refsJSON, _ := json.Marshal(p.row.payloadRefs)
		if _, err := stmt.Exec(
			p.row.timestamp, p.row.eventName, p.row.eventType, p.row.originatorID,
			p.row.constructID, p.row.correlationID, p.row.eventID, p.row.requestID,
			p.row.sessionID, p.row.status, l.curFilePath(), offset, string(refsJSON),
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := l.curWriter.Flush(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *Log) curFilePath() string {
	if l.curFile == nil {
		return ""
	}
	return l.curFile.Name()
}

// ensureDayFileLocked opens (or rotates to) the JSONL file for day's UTC
// date, called with l.mu held.
func (l *Log) ensureDayFileLocked(day time.Time) error {
	key := day.Format("2006-01-02")
	if l.curDay == key && l.curFile != nil {
		return nil
	}
	if l.curWriter != nil {
		_ = l.curWriter.Flush()
	}
	if l.curFile != nil {
		_ = l.curFile.Close()
	}
	dir := filepath.Join(l.cfg.EventsDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.curDay = key
	l.curFile = f
	l.curWriter = bufio.NewWriter(f)
	l.curOffset = info.Size()
	return nil
}
