package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/tablesync/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Sink receives progress events from a run. Implementations are safe for
// concurrent use by the run's workers.
type Sink interface {
	// Begin announces the number of tables in the run.
	Begin(tables int)
	// StartTable marks a table as active with its estimated row count.
	StartTable(name string, estimatedRows int64)
	// Add records rows processed for a table.
	Add(name string, rows int64)
	// EndTable marks a table as done.
	EndTable(name string, failed bool)
	// Finish flushes the final state.
	Finish()
}

// Tracker renders a terminal progress bar.
type Tracker struct {
	out       io.Writer
	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time

	// Track active tables for accurate display
	activeTables map[string]int // table name -> active job count
}

// New creates a new progress tracker writing to stdout
func New() *Tracker {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a tracker writing to w.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{
		out:          w,
		startTime:    time.Now(),
		activeTables: make(map[string]int),
	}
}

// Begin creates the bar. Its maximum grows as tables report estimates.
func (t *Tracker) Begin(tables int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Now()
	t.bar = progressbar.NewOptions64(
		0,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(fmt.Sprintf("Migrating %d tables", tables)),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// StartTable marks a table as actively transferring
func (t *Tracker) StartTable(tableName string, estimatedRows int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeTables[tableName]++
	t.total += estimatedRows
	if t.bar == nil {
		return
	}
	t.bar.ChangeMax64(t.total)
	t.describe()
}

// Add increments the progress counter
func (t *Tracker) Add(_ string, n int64) {
	t.current.Add(n)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		// Estimates can lag behind rows written during the run.
		if cur := t.current.Load(); cur > t.total {
			t.total = cur
			t.bar.ChangeMax64(t.total)
		}
		t.bar.Add64(n)
	}
}

// EndTable marks a table job as done transferring
func (t *Tracker) EndTable(tableName string, _ bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeTables[tableName]--
	if t.activeTables[tableName] <= 0 {
		delete(t.activeTables, tableName)
	}
	if t.bar != nil && len(t.activeTables) > 0 {
		t.describe()
	}
}

func (t *Tracker) describe() {
	switch len(t.activeTables) {
	case 0:
	case 1:
		for name := range t.activeTables {
			t.bar.Describe(fmt.Sprintf("Transferring %s", name))
		}
	default:
		t.bar.Describe(fmt.Sprintf("Transferring (%d tables)", len(t.activeTables)))
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	t.mu.Lock()
	if t.bar != nil {
		t.bar.Finish()
	}
	t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / max(elapsed.Seconds(), 0.001)

	fmt.Fprintln(t.out)
	logging.Info("Transfer complete: %d rows in %s (%.0f rows/sec)",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}

// Null discards all progress events.
type Null struct{}

func (Null) Begin(int)               {}
func (Null) StartTable(string, int64) {}
func (Null) Add(string, int64)       {}
func (Null) EndTable(string, bool)   {}
func (Null) Finish()                 {}

var (
	_ Sink = (*Tracker)(nil)
	_ Sink = (*JSONTracker)(nil)
	_ Sink = Null{}
)
