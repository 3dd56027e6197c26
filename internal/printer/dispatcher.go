package printer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
)

// DispatchResult is the outcome of one print command invocation.
type DispatchResult struct {
	Succeeded  bool
	Diagnostic string
}

// Command sends a staged file to a named printer.
type Command interface {
	Invoke(ctx context.Context, path, printerName string) DispatchResult
}

// LPRCommand submits through `lpr -P <printer> <file>`.
type LPRCommand struct {
	Binary string
	Runner Runner
}

func (c *LPRCommand) Invoke(ctx context.Context, path, printerName string) DispatchResult {
	return classify(c.Runner.Run(ctx, c.Binary, "-P", printerName, path))
}

// PDFToPrinterCommand submits through `PDFtoPrinter.exe <file> <printer>`.
type PDFToPrinterCommand struct {
	Binary string
	Runner Runner
}

func (c *PDFToPrinterCommand) Invoke(ctx context.Context, path, printerName string) DispatchResult {
	return classify(c.Runner.Run(ctx, c.Binary, path, printerName))
}

// NewCommand picks the print command for goos. It is decided once, at
// startup.
func NewCommand(goos, lprPath, pdfToPrinterPath string, runner Runner) Command {
	if goos == "windows" {
		if pdfToPrinterPath == "" {
			pdfToPrinterPath = "PDFtoPrinter.exe"
		}
		return &PDFToPrinterCommand{Binary: pdfToPrinterPath, Runner: runner}
	}
	if lprPath == "" {
		lprPath = "lpr"
	}
	return &LPRCommand{Binary: lprPath, Runner: runner}
}

func classify(out Output, err error) DispatchResult {
	if err != nil {
		return DispatchResult{Diagnostic: err.Error()}
	}
	if out.ExitCode != 0 {
		return DispatchResult{Diagnostic: diagnosticText(out)}
	}
	return DispatchResult{Succeeded: true}
}

func diagnosticText(out Output) string {
	if s := strings.TrimSpace(string(out.Stderr)); s != "" {
		return s
	}
	if s := strings.TrimSpace(string(out.Stdout)); s != "" {
		return s
	}
	return fmt.Sprintf("exit status %d", out.ExitCode)
}

// Dispatcher runs the print command once per call; failures are reported,
// never resubmitted.
type Dispatcher struct {
	command Command
	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(command Command, timeout time.Duration, l *zap.Logger) *Dispatcher {
	return &Dispatcher{
		command: command,
		timeout: timeout,
		logger:  logger.OrNop(l).Named("dispatch"),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, path, printerName string) DispatchResult {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	result := d.command.Invoke(ctx, path, printerName)

	fields := []zap.Field{
		zap.String("printer", printerName),
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)),
	}
	if result.Succeeded {
		d.logger.Info("print command succeeded", fields...)
	} else {
		d.logger.Warn("print command failed", append(fields, zap.String("diagnostic", result.Diagnostic))...)
	}
	return result
}
