// Package render turns the content of a print job into PDF bytes.
//
// PDF jobs are decoded from base64. HTML and URL jobs are printed by a
// headless browser engine; every call gets its own engine instance, which is
// closed before Render returns.
package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatURL  Format = "url"
	FormatPDF  Format = "pdf"
)

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	switch f {
	case FormatHTML, FormatURL, FormatPDF:
		return true
	}
	return false
}

// Request is the renderable part of a print job.
type Request struct {
	Format  Format
	Content string
	// AuthToken is sent as a bearer Authorization header. URL jobs only.
	AuthToken string
}

// Artifact is the canonical printable document.
type Artifact struct {
	Bytes []byte
}

// PDFOptions controls the engine's PDF export.
type PDFOptions struct {
	PreferCSSPageSize bool
	PrintBackground   bool
}

// Engine is one isolated headless browser instance.
type Engine interface {
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// Navigate loads target and waits until navigation has completed.
	Navigate(ctx context.Context, target string) error
	PrintToPDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Close() error
}

// EngineFactory starts a fresh Engine.
type EngineFactory interface {
	NewEngine(ctx context.Context) (Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(ctx context.Context) (Engine, error)

func (f EngineFactoryFunc) NewEngine(ctx context.Context) (Engine, error) {
	return f(ctx)
}

// Error codes for render failures.
const (
	ErrCodeInvalidEncoding = "INVALID_ENCODING"
	ErrCodeEngine          = "RENDER_ENGINE_ERROR"
	ErrCodeHeaderInjection = "HEADER_INJECTION_ERROR"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

type RenderError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

func NewRenderError(code, message string, cause error) *RenderError {
	return &RenderError{Code: code, Message: message, Cause: cause}
}

// Renderer is the adapter in front of the rendering engine.
type Renderer struct {
	factory EngineFactory
	timeout time.Duration
	logger  *zap.Logger
}

func NewRenderer(factory EngineFactory, timeout time.Duration, l *zap.Logger) *Renderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Renderer{
		factory: factory,
		timeout: timeout,
		logger:  logger.OrNop(l).Named("render"),
	}
}

// Render produces the document bytes for req. Failures are *RenderError;
// nothing is retried.
func (r *Renderer) Render(ctx context.Context, req Request) (*Artifact, error) {
	switch req.Format {
	case FormatPDF:
		return decodePDF(req.Content)
	case FormatHTML:
		return r.renderWithEngine(ctx, htmlDataURL(req.Content), nil, PDFOptions{PrintBackground: true})
	case FormatURL:
		headers, err := r.authHeaders(req.AuthToken)
		if err != nil {
			return nil, err
		}
		return r.renderWithEngine(ctx, req.Content, headers, PDFOptions{PreferCSSPageSize: true, PrintBackground: true})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}
}

func decodePDF(content string) (*Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return nil, NewRenderError(ErrCodeInvalidEncoding, "content is not valid base64", err)
	}
	if len(data) == 0 {
		return nil, NewRenderError(ErrCodeInvalidEncoding, "decoded document is empty", nil)
	}
	return &Artifact{Bytes: data}, nil
}

func htmlDataURL(html string) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(html))
}

func (r *Renderer) authHeaders(token string) (map[string]string, error) {
	if token == "" {
		return nil, nil
	}
	if err := checkHeaderValue(token); err != nil {
		return nil, NewRenderError(ErrCodeHeaderInjection, "auth token cannot be sent as a header", err)
	}
	inspectToken(token, r.logger)
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (r *Renderer) renderWithEngine(ctx context.Context, target string, headers map[string]string, opts PDFOptions) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	engine, err := r.factory.NewEngine(ctx)
	if err != nil {
		return nil, NewRenderError(ErrCodeEngine, "failed to start rendering engine", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			r.logger.Warn("failed to close rendering engine", zap.Error(err))
		}
	}()

	if len(headers) > 0 {
		if err := engine.SetExtraHeaders(ctx, headers); err != nil {
			return nil, NewRenderError(ErrCodeHeaderInjection, "failed to set headers", err)
		}
	}

	if err := engine.Navigate(ctx, target); err != nil {
		return nil, r.engineError(ctx, "navigation failed", err)
	}

	data, err := engine.PrintToPDF(ctx, opts)
	if err != nil {
		return nil, r.engineError(ctx, "PDF export failed", err)
	}
	if len(data) == 0 {
		return nil, NewRenderError(ErrCodeEngine, "generated PDF is empty", nil)
	}

	r.logger.Debug("PDF rendered",
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))

	return &Artifact{Bytes: data}, nil
}

func (r *Renderer) engineError(ctx context.Context, msg string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = fmt.Sprintf("%s: timed out after %v", msg, r.timeout)
	}
	return NewRenderError(ErrCodeEngine, msg, err)
}
