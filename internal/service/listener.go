package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
)

type ListenerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPListener serves an http.Handler. The bound listener is the stop
// handle: it is set once, under mu, and a Shutdown that wins the race
// against Serve keeps Serve from ever accepting.
type HTTPListener struct {
	addr   string
	server *http.Server
	logger *zap.Logger

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
}

func NewHTTPListener(cfg ListenerConfig, handler http.Handler, l *zap.Logger) *HTTPListener {
	return &HTTPListener{
		addr: cfg.Addr,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		logger: logger.OrNop(l).Named("listener"),
	}
}

func (l *HTTPListener) Serve(ready func()) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		ln.Close()
		return nil
	}
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready()
	}

	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (l *HTTPListener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	return l.server.Shutdown(ctx)
}

// Addr is the bound address, or "" before Serve has bound.
func (l *HTTPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}
