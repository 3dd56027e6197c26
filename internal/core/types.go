package core

import (
	"fmt"
	"time"

	"github.com/orrn/printd/internal/render"
)

type JobState string

const (
	JobStateReceived        JobState = "received"
	JobStatePrinterResolved JobState = "printer_resolved"
	JobStateRendered        JobState = "rendered"
	JobStateStaged          JobState = "staged"
	JobStateDispatched      JobState = "dispatched"
	JobStateSucceeded       JobState = "succeeded"
	JobStateFailed          JobState = "failed"
)

// Reason classifies a failed job.
type Reason string

const (
	ReasonPrinterNotFound     Reason = "PrinterNotFound"
	ReasonPrinterLookupFailed Reason = "PrinterLookupFailed"
	ReasonRenderingFailed     Reason = "RenderingFailed"
	ReasonStagingFailed       Reason = "StagingFailed"
	ReasonDispatchFailed      Reason = "DispatchFailed"
)

type PrintJobRequest struct {
	PrinterName string
	Content     string
	Format      render.Format
	AuthToken   string
}

type JobResult struct {
	JobID       string
	PrinterName string
	Bytes       int
	Duration    time.Duration
}

// JobError is returned by Pipeline.Submit for every failed job.
type JobError struct {
	JobID      string
	Reason     Reason
	Diagnostic string
	Err        error
}

func (e *JobError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Diagnostic)
	}
	return string(e.Reason)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// JobOutcome is what a Notifier hears about a finished job.
type JobOutcome struct {
	JobID       string
	PrinterName string
	Format      render.Format
	Succeeded   bool
	Reason      Reason
	Diagnostic  string
	Duration    time.Duration
	FinishedAt  time.Time
}

type Notifier interface {
	NotifyJob(outcome JobOutcome)
}
