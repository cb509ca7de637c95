// Package tracker instruments device operations: per-operation timing,
// success/failure bookkeeping, and periodic diagnostics snapshots. It has
// no protocol knowledge; link-level fields are supplied by the owner.
package tracker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a tracked operation.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Operation is one timed entry in the tracker history.
type Operation struct {
	ID        string
	Type      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Status    Status
	Err       string
	Metadata  map[string]string
}

// Diagnostics is the periodic snapshot dispatched to subscribers.
type Diagnostics struct {
	RSSI                 int
	MTU                  int
	TotalOperations      int
	CompletedOperations  int
	FailedOperations     int
	AverageOperationTime time.Duration
	ConnectionAttempts   int
	LastError            string
	Timestamp            time.Time
}

// LinkStatsFunc supplies link-level diagnostics fields (RSSI, MTU,
// connection attempts). Injected by the owning manager rather than
// known to the tracker.
type LinkStatsFunc func() (rssi, mtu, attempts int)

// Tracker records operations and dispatches diagnostics on an interval.
type Tracker struct {
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	inflight  map[string]*Operation
	history   []Operation
	completed int
	failed    int
	totalDur  time.Duration
	lastErr   string
	linkStats LinkStatsFunc
	subs      map[int]func(Diagnostics)
	nextSub   int

	done      chan struct{}
	closeOnce sync.Once
}

// DefaultDiagnosticsInterval is how often subscribers receive snapshots.
const DefaultDiagnosticsInterval = 30 * time.Second

func New(logger *slog.Logger, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultDiagnosticsInterval
	}
	return &Tracker{
		logger:   logger,
		interval: interval,
		inflight: make(map[string]*Operation),
		subs:     make(map[int]func(Diagnostics)),
		done:     make(chan struct{}),
	}
}

// SetLinkStats injects the producer for link-level snapshot fields.
func (t *Tracker) SetLinkStats(fn LinkStatsFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.linkStats = fn
}

// Track registers the start of an operation and returns its ID.
func (t *Tracker) Track(opType string, metadata map[string]string) string {
	id := uuid.NewString()
	op := &Operation{
		ID:        id,
		Type:      opType,
		StartTime: time.Now(),
		Status:    StatusStarted,
		Metadata:  metadata,
	}
	t.mu.Lock()
	t.inflight[id] = op
	t.mu.Unlock()
	t.logger.Debug("operation started", "id", id, "type", opType)
	return id
}

// Complete finishes a tracked operation. A nil err marks it completed,
// otherwise failed. Unknown IDs are ignored with a warning.
func (t *Tracker) Complete(id string, err error) {
	t.mu.Lock()
	op, ok := t.inflight[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("complete for unknown operation", "id", id)
		return
	}
	delete(t.inflight, id)

	op.EndTime = time.Now()
	op.Duration = op.EndTime.Sub(op.StartTime)
	if err != nil {
		op.Status = StatusFailed
		op.Err = err.Error()
		t.failed++
		t.lastErr = err.Error()
	} else {
		op.Status = StatusCompleted
		t.completed++
	}
	t.totalDur += op.Duration
	t.history = append(t.history, *op)
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("operation failed", "id", id, "type", op.Type, "duration", op.Duration, "error", err)
	} else {
		t.logger.Debug("operation completed", "id", id, "type", op.Type, "duration", op.Duration)
	}
}

// History returns a copy of the finished-operation log, oldest first.
func (t *Tracker) History() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.history))
	copy(out, t.history)
	return out
}

// Clear truncates the history. In-flight operations are kept.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	t.completed = 0
	t.failed = 0
	t.totalDur = 0
	t.lastErr = ""
}

// Subscribe registers a diagnostics consumer and returns an ID for
// Unsubscribe.
func (t *Tracker) Subscribe(fn func(Diagnostics)) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return id
}

func (t *Tracker) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// Snapshot builds a diagnostics snapshot from current counters and the
// injected link stats.
func (t *Tracker) Snapshot() Diagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Diagnostics{
		TotalOperations:     t.completed + t.failed + len(t.inflight),
		CompletedOperations: t.completed,
		FailedOperations:    t.failed,
		LastError:           t.lastErr,
		Timestamp:           time.Now(),
	}
	if n := t.completed + t.failed; n > 0 {
		d.AverageOperationTime = t.totalDur / time.Duration(n)
	}
	if t.linkStats != nil {
		d.RSSI, d.MTU, d.ConnectionAttempts = t.linkStats()
	}
	return d
}

// Start launches the periodic diagnostics dispatch. Stop with Close.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.dispatch()
			}
		}
	}()
}

func (t *Tracker) dispatch() {
	snap := t.Snapshot()
	t.mu.Lock()
	fns := make([]func(Diagnostics), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close stops the periodic dispatch. Idempotent.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}
