package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Coalescer runs a task in the background. At most one run is in flight and at
// most one more is queued behind it.
type Coalescer struct {
	ctx     context.Context
	log     logrus.FieldLogger
	timeout time.Duration
	name    string
	fn      func(context.Context) error

	mu      sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup
}

// NewCoalescer creates a Coalescer whose runs derive from ctx. A zero timeout
// means runs are bounded only by ctx.
func NewCoalescer(ctx context.Context, log logrus.FieldLogger, timeout time.Duration, name string, fn func(context.Context) error) *Coalescer {
	if log == nil {
		log = logrus.New()
	}
	return &Coalescer{
		ctx:     ctx,
		log:     log.WithField("task", name),
		timeout: timeout,
		name:    name,
		fn:      fn,
	}
}

// Trigger requests a run. It never blocks.
func (c *Coalescer) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if c.running {
		c.pending = true
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.loop()
}

// Wait blocks until no run is in flight
func (c *Coalescer) Wait() {
	c.wg.Wait()
}

func (c *Coalescer) loop() {
	defer c.wg.Done()
	for {
		c.run()

		c.mu.Lock()
		if !c.pending || c.ctx.Err() != nil {
			c.running = false
			c.pending = false
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.mu.Unlock()
	}
}

func (c *Coalescer) run() {
	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("stack", string(debug.Stack())).Errorf("Panic in %s: %v", c.name, r)
		}
	}()

	start := time.Now()
	if err := c.fn(ctx); err != nil {
		c.log.WithError(err).Warn("Background task failed")
		return
	}
	c.log.WithField("duration", time.Since(start)).Debug("Background task complete")
}
