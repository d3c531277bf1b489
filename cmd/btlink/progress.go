package main

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

const clearLineSequence = "\r\033[K"

// ProgressPrinter renders a single-line countdown driven by the connection
// managers' per-second progress ticks.
//
// Usage:
//
//	p := NewProgressPrinter("Connecting to robot")
//	p.Start()
//	defer p.Stop()
//	opts.OnProgress = p.Tick
//
// Output is suppressed entirely when stdout is not a terminal so piped
// output stays clean. Stop is idempotent and safe to call from any
// goroutine.
type ProgressPrinter struct {
	prefix string
	tty    bool

	mu     sync.Mutex
	active bool
}

// NewProgressPrinter creates a printer with the given line prefix.
func NewProgressPrinter(prefix string) *ProgressPrinter {
	return &ProgressPrinter{
		prefix: prefix,
		tty:    term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Start prints the initial progress line.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = true
	if p.tty {
		fmt.Printf("\r%s...   ", p.prefix)
	}
}

// Tick updates the countdown. Intended to be passed as an OnProgress
// callback; second counts up towards total.
func (p *ProgressPrinter) Tick(second, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || !p.tty {
		return
	}
	remaining := total - second
	if remaining < 0 {
		remaining = 0
	}
	fmt.Printf("\r%s (%ds remaining)   ", p.prefix, remaining)
}

// Stop clears the progress line. Subsequent Tick calls are ignored.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.active = false
	if p.tty {
		fmt.Print(clearLineSequence)
	}
}
