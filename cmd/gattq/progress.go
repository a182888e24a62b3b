package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattq/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter shows "<prefix> (<phase> 3s)" on a terminal line, counting
// elapsed time up or, for a bounded phase, remaining time down.
//
//	p := newProgressPrinter(os.Stderr, "Scanning", "Listening", 0)
//	p.Start()
//	defer p.Stop()
//
// On a non-terminal writer it prints nothing. Stop is idempotent; a stopped
// printer cannot be restarted.
type progressPrinter struct {
	w        io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	enabled  bool

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// newProgressPrinter counts down from duration when it is positive, up otherwise
func newProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *progressPrinter {
	p := &progressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		enabled:  isTerminal(w),
	}
	p.phase.Store(phase)
	return p
}

// Start begins redrawing the progress line in the background
func (p *progressPrinter) Start() {
	if !p.enabled || p.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	started := time.Now()

	p.draw(p.phase.Load().(string), 0)
	groutine.Go(ctx, "cli-progress", func(ctx context.Context) {
		defer close(p.done)

		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.draw(p.phase.Load().(string), p.seconds(time.Since(started)))
			}
		}
	})
}

func (p *progressPrinter) seconds(elapsed time.Duration) int {
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second: 3.7s shows as 4s
	return int(remaining.Seconds() + 0.5)
}

func (p *progressPrinter) draw(phase string, seconds int) {
	if seconds > 0 {
		phaseColor.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		phaseColor.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase callback suitable for scanner.ProgressCallback
func (p *progressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
	}
}

// Stop ends the redraw loop and clears the line
func (p *progressPrinter) Stop() {
	p.once.Do(func() {
		if p.done == nil {
			return
		}
		p.cancel()
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
