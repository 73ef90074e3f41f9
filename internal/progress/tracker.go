// Package progress shows per-entity sync progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/ptpm/legacy-sync/internal/logging"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Tracker counts processed rows for the current entity and draws a bar when
// attached to a terminal.
type Tracker struct {
	out       io.Writer
	tty       bool
	bar       *progressbar.ProgressBar
	entity    string
	current   atomic.Int64
	startTime time.Time
}

// New creates a tracker drawing to out. The bar is only drawn when out is a
// terminal.
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stderr
	}
	return &Tracker{out: out, tty: isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether a bar is drawn.
func (t *Tracker) Enabled() bool {
	return t.tty
}

// StartEntity resets the counter. max is the most rows the entity can
// process this run, or -1 when unbounded (a spinner is shown).
func (t *Tracker) StartEntity(entity string, max int64) {
	t.entity = entity
	t.current.Store(0)
	t.startTime = time.Now()
	if !t.tty {
		return
	}
	t.bar = progressbar.NewOptions64(
		max,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(fmt.Sprintf("Syncing %s", entity)),
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

// Add increments the row counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// EndEntity closes the bar and logs the entity's throughput.
func (t *Tracker) EndEntity() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.out)
		t.bar = nil
	}

	elapsed := time.Since(t.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(t.current.Load()) / elapsed.Seconds()
	}
	logging.Info("[%s] %d rows in %s (%.0f rows/sec)",
		t.entity, t.current.Load(), elapsed.Round(time.Millisecond), rate)
}
