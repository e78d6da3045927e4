package main

import (
	"fmt"
	"io"
	"sync"

	"nightbell.ai/internal/follower"
)

// consolePresenter prints notices to a terminal. Night progress is printed
// once per tenth of the night.
type consolePresenter struct {
	mu     sync.Mutex
	w      io.Writer
	decile map[string]int
}

func newConsolePresenter(w io.Writer) *consolePresenter {
	return &consolePresenter{w: w, decile: map[string]int{}}
}

func (p *consolePresenter) Present(n follower.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := "server"
	if n.Local {
		src = "local"
	}
	fmt.Fprintf(p.w, "[%s] %s (%d ticks, %s)\n", n.WorldID, n.Text, n.DurationTicks, src)
}

func (p *consolePresenter) PlaySound(name string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "~ %s (volume %.1f)\n", name, volume)
}

func (p *consolePresenter) Progress(worldID string, fraction float64, night bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !night {
		delete(p.decile, worldID)
		return
	}
	d := int(fraction * 10)
	if last, ok := p.decile[worldID]; ok && last == d {
		return
	}
	p.decile[worldID] = d
	fmt.Fprintf(p.w, "[%s] night %d%% remaining\n", worldID, d*10)
}
