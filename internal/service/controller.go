package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printd/internal/logger"
)

type State string

const (
	StateStarting      State = "Starting"
	StateRunning       State = "Running"
	StateStopRequested State = "StopRequested"
	StateStopped       State = "Stopped"
)

type ControlKind int

const (
	ControlOther ControlKind = iota
	ControlStop
	ControlInterrogate
	ControlUserEvent
)

// ControlEvent is one request from the OS service manager. Code is set for
// ControlUserEvent only.
type ControlEvent struct {
	Kind ControlKind
	Code uint32
}

type HandlerResult int

const (
	NoError HandlerResult = iota
	NotImplemented
)

func (r HandlerResult) String() string {
	if r == NoError {
		return "NoError"
	}
	return "NotImplemented"
}

// Listener is the job-accepting server. Serve calls ready once it accepts
// connections and returns nil after Shutdown. Shutdown must be safe to call
// before Serve and more than once.
type Listener interface {
	Serve(ready func()) error
	Shutdown(ctx context.Context) error
}

// StatusReporter is told about every state transition, in order.
type StatusReporter interface {
	ReportState(State)
}

// InFlight is work accepted by the listener that outlives its request
// deadline. Wait returns once none is running.
type InFlight interface {
	Wait(ctx context.Context) error
}

type ControllerConfig struct {
	Listener Listener
	Reporter StatusReporter
	// InFlight is optional. When set, Run does not return until it drains,
	// however long the listener shutdown took.
	InFlight        InFlight
	StopCode        uint32
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

// Controller runs the listener and turns stop requests, whether from the OS
// service manager or a local signal, into a graceful shutdown.
type Controller struct {
	listener        Listener
	inFlight        InFlight
	stopCode        uint32
	shutdownTimeout time.Duration
	logger          *zap.Logger

	// reportMu serializes transitions so reporters see them in order.
	reportMu sync.Mutex
	mu       sync.Mutex
	state    State
	reporter StatusReporter

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Controller{
		listener:        cfg.Listener,
		inFlight:        cfg.InFlight,
		stopCode:        cfg.StopCode,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.OrNop(cfg.Logger).Named("service"),
		state:           StateStarting,
		reporter:        cfg.Reporter,
		stopCh:          make(chan struct{}),
	}
}

// SetReporter replaces the status reporter. It is meant for the service
// bridge, which only gets its status channel once the OS starts it.
func (c *Controller) SetReporter(r StatusReporter) {
	c.mu.Lock()
	c.reporter = r
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleControl never blocks; the stop itself happens in Run.
func (c *Controller) HandleControl(ev ControlEvent) HandlerResult {
	switch ev.Kind {
	case ControlStop:
		c.RequestStop()
		return NoError
	case ControlInterrogate:
		return NoError
	case ControlUserEvent:
		if ev.Code == c.stopCode {
			c.RequestStop()
			return NoError
		}
	}
	c.logger.Debug("control event not implemented",
		zap.Int("kind", int(ev.Kind)),
		zap.Uint32("code", ev.Code))
	return NotImplemented
}

// RequestStop is idempotent.
func (c *Controller) RequestStop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Run serves until a stop is requested, ctx is done or the listener fails,
// then shuts the listener down and waits for it. Open connections are given
// up to the shutdown timeout; in-flight jobs are always waited for.
func (c *Controller) Run(ctx context.Context) error {
	c.transition(StateStarting)

	var g errgroup.Group
	served := make(chan struct{})
	g.Go(func() error {
		defer close(served)
		if err := c.listener.Serve(c.markRunning); err != nil {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	})

	select {
	case <-c.stopCh:
		c.logger.Info("stop requested")
	case <-ctx.Done():
		c.logger.Info("shutdown signal received")
	case <-served:
		c.logger.Warn("listener exited unexpectedly")
	}
	c.transition(StateStopRequested)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
	defer cancel()

	shutdownErr := c.listener.Shutdown(shutdownCtx)
	serveErr := g.Wait()

	if c.inFlight != nil {
		if errors.Is(shutdownErr, context.DeadlineExceeded) {
			c.logger.Warn("shutdown timed out, waiting for in-flight jobs")
		}
		// Jobs are bounded by their own timeouts.
		if err := c.inFlight.Wait(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("failed waiting for in-flight jobs", zap.Error(err))
		}
		if errors.Is(shutdownErr, context.DeadlineExceeded) {
			// The drained handlers still have their responses to write.
			retryCtx, retryCancel := context.WithTimeout(context.WithoutCancel(ctx), c.shutdownTimeout)
			shutdownErr = c.listener.Shutdown(retryCtx)
			retryCancel()
		}
	}
	if shutdownErr != nil {
		shutdownErr = fmt.Errorf("shutdown: %w", shutdownErr)
	}

	c.transition(StateStopped)
	return errors.Join(serveErr, shutdownErr)
}

func (c *Controller) markRunning() {
	c.transition(StateRunning)
}

func (c *Controller) transition(s State) {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()

	c.mu.Lock()
	// A listener that binds after a stop request must not revive the service.
	if s == StateRunning && c.state != StateStarting {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	reporter := c.reporter
	c.mu.Unlock()

	if prev != s {
		c.logger.Info("service state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(s)))
	}
	if reporter != nil {
		reporter.ReportState(s)
	}
}
