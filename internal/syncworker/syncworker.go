// Package syncworker runs the periodic fetch/push loops that advance each
// transport's view of its medium (C13): independent goroutines per
// direction, absorbing non-fatal transport errors, grounded on the
// teacher's background-goroutine-with-stop-channel idiom (see
// egg.Session's watchdog goroutines).
package syncworker

import (
	"time"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Config configures the fetch/push cadence for one endpoint's transport.
type Config struct {
	FetchInterval time.Duration // default 500ms
	PushInterval  time.Duration // default 200ms
}

func (c *Config) applyDefaults() {
	if c.FetchInterval <= 0 {
		c.FetchInterval = 500 * time.Millisecond
	}
	if c.PushInterval <= 0 {
		c.PushInterval = 200 * time.Millisecond
	}
}

// Worker owns two independent periodic loops against one backend.
type Worker struct {
	cfg     Config
	backend transport.Backend
	stop    chan struct{}
	done    chan struct{}
}

// Start launches the fetch and push loops as background goroutines and
// returns a Worker that can be stopped with Close.
func Start(backend transport.Backend, cfg Config) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:     cfg,
		backend: backend,
		stop:    make(chan struct{}),
		done:    make(chan struct{}, 2),
	}
	go w.loop("fetch", cfg.FetchInterval, backend.FetchInbound)
	go w.loop("push", cfg.PushInterval, backend.PushOutbound)
	return w
}

func (w *Worker) loop(name string, interval time.Duration, action func() error) {
	defer func() { w.done <- struct{}{} }()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := action(); err != nil {
				logger.Debug("sync worker action failed", "loop", name, "backend", w.backend.Name(), "err", err)
			}
		}
	}
}

// Close stops both loops and waits for them to exit.
func (w *Worker) Close() {
	close(w.stop)
	<-w.done
	<-w.done
}
