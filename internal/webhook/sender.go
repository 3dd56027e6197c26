package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/printd/internal/config"
	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/logger"
)

type Event string

const (
	EventJobSucceeded Event = "job_succeeded"
	EventJobFailed    Event = "job_failed"
)

const (
	SignatureHeader = "X-Printd-Signature"
	EventHeader     = "X-Printd-Event"
)

var errShutdown = errors.New("shutdown requested")

type Payload struct {
	Event     Event        `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      JobEventData `json:"data"`
}

type JobEventData struct {
	JobID      string `json:"job_id"`
	Printer    string `json:"printer"`
	Format     string `json:"format"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type task struct {
	endpoint config.WebhookEndpoint
	event    Event
	body     []byte
	attempt  int
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

// Sender delivers job outcomes to the configured endpoints. Delivery is
// asynchronous and never blocks the job that produced the event.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	stopOnce sync.Once
}

func NewSender(cfg config.WebhooksConfig, l *zap.Logger) *Sender {
	// RetryCount counts retries after the first attempt; zero disables them.
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		attempts:   cfg.RetryCount + 1,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		queue:      make(chan *task, cfg.QueueSize),
		logger:     logger.OrNop(l).Named("webhook"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		id := i
		s.group.Go(func() error {
			s.worker(id)
			return nil
		})
	}
}

// Stop abandons queued deliveries and waits for the workers to exit.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.group.Wait()
	})
}

// NotifyJob queues outcome for every endpoint subscribed to its event. A full
// queue drops the delivery.
func (s *Sender) NotifyJob(outcome core.JobOutcome) {
	event := EventJobSucceeded
	status := "succeeded"
	if !outcome.Succeeded {
		event = EventJobFailed
		status = "failed"
	}

	body, err := json.Marshal(Payload{
		Event:     event,
		Timestamp: outcome.FinishedAt.UTC(),
		Data: JobEventData{
			JobID:      outcome.JobID,
			Printer:    outcome.PrinterName,
			Format:     string(outcome.Format),
			Status:     status,
			Reason:     string(outcome.Reason),
			Diagnostic: outcome.Diagnostic,
			DurationMS: outcome.Duration.Milliseconds(),
		},
	})
	if err != nil {
		s.logger.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	for _, ep := range s.endpoints {
		if !subscribed(ep, event) {
			continue
		}
		select {
		case s.queue <- &task{endpoint: ep, event: event, body: body}:
		default:
			s.logger.Warn("queue full, dropping webhook",
				zap.String("url", ep.URL),
				zap.String("event", string(event)),
				zap.String("job_id", outcome.JobID))
		}
	}
}

func subscribed(ep config.WebhookEndpoint, event Event) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil && !errors.Is(err, errShutdown) {
				s.logger.Warn("webhook delivery failed",
					zap.Int("worker", id),
					zap.String("url", t.endpoint.URL),
					zap.String("event", string(t.event)),
					zap.Int("attempts", t.attempt),
					zap.Error(err))
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.attempts {
		t.attempt++

		err := s.sendRequest(t)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.attempts {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Debug("retrying webhook",
				zap.String("url", t.endpoint.URL),
				zap.Int("attempt", t.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			timer := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return errShutdown
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(t *task) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, t.endpoint.URL, bytes.NewReader(t.body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(t.event))
	if t.endpoint.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(t.body, t.endpoint.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
