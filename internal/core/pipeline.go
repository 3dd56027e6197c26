package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
	"github.com/orrn/printd/internal/printer"
	"github.com/orrn/printd/internal/render"
)

type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Artifact, error)
}

type Stager interface {
	WithTemporaryFile(data []byte, fn func(path string) error) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, path, printerName string) printer.DispatchResult
}

type PipelineConfig struct {
	Directory  printer.Directory
	Renderer   Renderer
	Stager     Stager
	Dispatcher Dispatcher
	// Notifier is optional.
	Notifier Notifier
	// LookupTimeout bounds the printer directory query. Zero means no bound.
	LookupTimeout time.Duration
	Logger        *zap.Logger
}

// Pipeline runs one print job from request to dispatch. It keeps no state
// between calls beyond a count of running jobs and is safe for concurrent use.
type Pipeline struct {
	directory     printer.Directory
	renderer      Renderer
	stager        Stager
	dispatcher    Dispatcher
	notifier      Notifier
	lookupTimeout time.Duration
	logger        *zap.Logger

	newID func() string
	now   func() time.Time

	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		directory:     cfg.Directory,
		renderer:      cfg.Renderer,
		stager:        cfg.Stager,
		dispatcher:    cfg.Dispatcher,
		notifier:      cfg.Notifier,
		lookupTimeout: cfg.LookupTimeout,
		logger:        logger.OrNop(cfg.Logger).Named("pipeline"),
		newID:         uuid.NewString,
		now:           time.Now,
	}
}

// Submit runs req through printer resolution, rendering, staging and
// dispatch. Every failure is a *JobError. The staged file is gone by the time
// Submit returns.
func (p *Pipeline) Submit(ctx context.Context, req PrintJobRequest) (*JobResult, error) {
	p.begin()
	defer p.end()

	jobID := p.newID()
	start := p.now()
	log := p.logger.With(
		zap.String("job_id", jobID),
		zap.String("printer", req.PrinterName),
		zap.String("format", string(req.Format)),
	)
	log.Info("job received", zap.String("state", string(JobStateReceived)))

	size, err := p.run(ctx, req, log)
	duration := p.now().Sub(start)

	outcome := JobOutcome{
		JobID:       jobID,
		PrinterName: req.PrinterName,
		Format:      req.Format,
		Duration:    duration,
		FinishedAt:  p.now(),
	}

	if err != nil {
		err.JobID = jobID
		outcome.Reason = err.Reason
		outcome.Diagnostic = err.Diagnostic
		log.Warn("job failed",
			zap.String("state", string(JobStateFailed)),
			zap.String("reason", string(err.Reason)),
			zap.String("diagnostic", err.Diagnostic),
			zap.Duration("duration", duration))
		p.notify(outcome)
		return nil, err
	}

	outcome.Succeeded = true
	log.Info("job succeeded",
		zap.String("state", string(JobStateSucceeded)),
		zap.Duration("duration", duration))
	p.notify(outcome)

	return &JobResult{
		JobID:       jobID,
		PrinterName: req.PrinterName,
		Bytes:       size,
		Duration:    duration,
	}, nil
}

// Wait blocks until no job is running or ctx is done. Jobs submitted while
// Wait is blocked extend the wait.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	if p.active == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of jobs currently running.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pipeline) begin() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
}

func (p *Pipeline) end() {
	p.mu.Lock()
	p.active--
	if p.active == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context, req PrintJobRequest, log *zap.Logger) (int, *JobError) {
	if err := p.resolvePrinter(ctx, req.PrinterName); err != nil {
		return 0, err
	}
	log.Debug("printer resolved", zap.String("state", string(JobStatePrinterResolved)))

	artifact, err := p.renderer.Render(ctx, render.Request{
		Format:    req.Format,
		Content:   req.Content,
		AuthToken: req.AuthToken,
	})
	if err != nil {
		return 0, &JobError{Reason: ReasonRenderingFailed, Diagnostic: err.Error(), Err: err}
	}
	log.Debug("document rendered",
		zap.String("state", string(JobStateRendered)),
		zap.Int("bytes", len(artifact.Bytes)))

	var (
		staged bool
		result printer.DispatchResult
	)
	err = p.stager.WithTemporaryFile(artifact.Bytes, func(path string) error {
		staged = true
		log.Debug("artifact staged", zap.String("state", string(JobStateStaged)), zap.String("path", path))

		result = p.dispatcher.Dispatch(ctx, path, req.PrinterName)
		log.Debug("print command finished",
			zap.String("state", string(JobStateDispatched)),
			zap.Bool("succeeded", result.Succeeded))
		return nil
	})
	if !staged {
		return 0, &JobError{Reason: ReasonStagingFailed, Diagnostic: errorText(err), Err: err}
	}
	if !result.Succeeded {
		return 0, &JobError{Reason: ReasonDispatchFailed, Diagnostic: result.Diagnostic}
	}
	return len(artifact.Bytes), nil
}

func (p *Pipeline) resolvePrinter(ctx context.Context, name string) *JobError {
	if p.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.lookupTimeout)
		defer cancel()
	}

	ref, err := printer.Lookup(ctx, p.directory, name)
	if err != nil {
		return &JobError{Reason: ReasonPrinterLookupFailed, Diagnostic: err.Error(), Err: err}
	}
	if !ref.Exists {
		return &JobError{
			Reason:     ReasonPrinterNotFound,
			Diagnostic: fmt.Sprintf("printer %q not found", name),
			Err:        printer.ErrPrinterNotFound,
		}
	}
	return nil
}

func (p *Pipeline) notify(outcome JobOutcome) {
	if p.notifier != nil {
		p.notifier.NotifyJob(outcome)
	}
}

func errorText(err error) string {
	if err == nil {
		return "artifact was not staged"
	}
	return err.Error()
}
