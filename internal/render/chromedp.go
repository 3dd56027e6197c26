package render

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
)

// ChromedpConfig contains configuration for the chromedp engine factory
type ChromedpConfig struct {
	// ExecPath overrides the Chrome/Chromium binary; empty searches the usual locations
	ExecPath string
	// NoSandbox runs Chrome without sandbox (required when running as root)
	NoSandbox bool
	Logger    *zap.Logger
}

// ChromedpFactory launches one headless Chrome process per engine.
type ChromedpFactory struct {
	config ChromedpConfig
	logger *zap.Logger
}

func NewChromedpFactory(config ChromedpConfig) *ChromedpFactory {
	return &ChromedpFactory{
		config: config,
		logger: logger.OrNop(config.Logger).Named("chrome"),
	}
}

func (f *ChromedpFactory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if f.config.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	if f.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.config.ExecPath))
	}
	return opts
}

// NewEngine starts the browser. The browser lives until Close or until ctx
// is done, whichever comes first.
func (f *ChromedpFactory) NewEngine(ctx context.Context) (Engine, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			f.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// Run with no actions launches the browser and opens the first tab.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}

	return &chromedpEngine{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromedpEngine struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Actions run on the tab context, which already carries the deadline of the
// context given to NewEngine; ctx is only checked up front.

func (e *chromedpEngine) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return chromedp.Run(e.ctx,
		network.Enable(),
		network.SetExtraHTTPHeaders(h),
	)
}

func (e *chromedpEngine) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(e.ctx, chromedp.Navigate(target))
}

func (e *chromedpEngine) PrintToPDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pdf []byte
	err := chromedp.Run(e.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().
			WithPreferCSSPageSize(opts.PreferCSSPageSize).
			WithPrintBackground(opts.PrintBackground).
			Do(ctx)
		if err != nil {
			return err
		}
		pdf = data
		return nil
	}))
	return pdf, err
}

func (e *chromedpEngine) Close() error {
	err := chromedp.Cancel(e.ctx)
	e.cancel()
	e.allocCancel()
	return err
}

var _ EngineFactory = (*ChromedpFactory)(nil)
