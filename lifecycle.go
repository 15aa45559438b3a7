package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// samplerJoinWarning is how long teardown waits before noting that the
// sampler goroutine is still inside a tick.
const samplerJoinWarning = 2 * time.Second

type teardownStep struct {
	name string
	fn   func() error
}

// lifecycle owns the sampler goroutine and the ordered list of services to
// release after it stopped.
type lifecycle struct {
	cancel      context.CancelFunc
	samplerDone chan struct{}

	mu    sync.Mutex
	steps []teardownStep
	once  sync.Once
}

// Purpose: Start the sampling loop on its own goroutine.
// Key aspects: The returned lifecycle cancels and joins that goroutine first
// during Shutdown; Done fires when the loop exits for any reason.
// Upstream: main after every service is wired.
// Downstream: run (normally sampler.Run).
func startLifecycle(parent context.Context, run func(context.Context) error) *lifecycle {
	ctx, cancel := context.WithCancel(parent)
	l := &lifecycle{cancel: cancel, samplerDone: make(chan struct{})}
	go func() {
		defer close(l.samplerDone)
		if err := run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Sampler stopped: %v", err)
		}
	}()
	return l
}

// Done is closed when the sampling loop has returned.
func (l *lifecycle) Done() <-chan struct{} { return l.samplerDone }

// onShutdown appends a teardown step; steps run in registration order.
func (l *lifecycle) onShutdown(name string, fn func() error) {
	l.mu.Lock()
	l.steps = append(l.steps, teardownStep{name: name, fn: fn})
	l.mu.Unlock()
}

// Purpose: Tear the process down exactly once.
// Key aspects: Cancels and joins the sampler before any service it calls is
// released, then runs each step in order; a failing step is logged and the
// rest still run.
// Upstream: main on signal or sampler exit.
// Downstream: registered teardown steps.
func (l *lifecycle) Shutdown() {
	l.once.Do(func() {
		log.Println("Shutting down...")
		l.cancel()
		select {
		case <-l.samplerDone:
		case <-time.After(samplerJoinWarning):
			log.Printf("Shutdown: waiting for the sampler to finish its tick")
			<-l.samplerDone
		}

		l.mu.Lock()
		steps := append([]teardownStep(nil), l.steps...)
		l.mu.Unlock()
		for _, step := range steps {
			if err := step.fn(); err != nil {
				log.Printf("Shutdown: %s: %v", step.name, err)
			}
		}
		log.Println("Shutdown complete")
	})
}
