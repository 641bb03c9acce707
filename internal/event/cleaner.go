package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const (
	cleanerTimeout        = 10 * time.Second
	loggerShutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown hooks, newest first, once a termination
// signal arrives or Shutdown is called.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	shutdownOnce   sync.Once
	cleaning       bool
	loggerShutdown Callable
	timeout        time.Duration
	done           chan struct{}
	errs           []error
}

func NewCleaner() *Cleaner {
	return &Cleaner{
		timeout: cleanerTimeout,
		done:    make(chan struct{}),
	}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init starts watching SIGINT/SIGTERM. loggerShutdown runs after every other hook.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		c.loggerShutdown = loggerShutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		go func() {
			defer stop()
			select {
			case <-ctx.Done():
				logger.Info("Received interrupt signal, shutting down")
				c.Shutdown()
			case <-c.done:
			}
		}()
	})
}

// Done is closed after the hooks have run.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

// Errors reports the hook failures of the finished shutdown.
func (c *Cleaner) Errors() []error {
	<-c.done
	return c.errs
}

func (c *Cleaner) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			if err := c.invoke(i, cleanersCopy[i]); err != nil {
				c.errs = append(c.errs, err)
			}
		}

		if len(c.errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup:", len(c.errs))
			for i, err := range c.errs {
				logger.ErrorF("Error %d: %v", i+1, err)
			}
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, client offline")

		if c.loggerShutdown == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
		defer cancel()
		if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	})
}

func (c *Cleaner) invoke(idx int, callable Callable) (err error) {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleaner #%d (%T) panicked: %v", idx+1, callable, r)
		}
	}()
	if err = callable.Invoke(ctx); err != nil {
		logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		return fmt.Errorf("cleaner #%d: %w", idx+1, err)
	}
	return nil
}
