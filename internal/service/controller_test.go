package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeListener struct {
	serveErr  error
	started   chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	shutdowns int
	mu        sync.Mutex
}

func newFakeListener() *fakeListener {
	return &fakeListener{started: make(chan struct{}), stop: make(chan struct{})}
}

func (l *fakeListener) Serve(ready func()) error {
	if l.serveErr != nil {
		return l.serveErr
	}
	ready()
	close(l.started)
	<-l.stop
	return nil
}

func (l *fakeListener) Shutdown(context.Context) error {
	l.mu.Lock()
	l.shutdowns++
	l.mu.Unlock()
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

type recordingReporter struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingReporter) ReportState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingReporter) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func startController(t *testing.T, l Listener, rep StatusReporter) (*Controller, <-chan error) {
	t.Helper()
	c := NewController(ControllerConfig{
		Listener:        l,
		Reporter:        rep,
		StopCode:        130,
		ShutdownTimeout: 5 * time.Second,
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return c, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
		return nil
	}
}

func TestController_StopWhileRunning(t *testing.T) {
	l := newFakeListener()
	rep := &recordingReporter{}
	c, done := startController(t, l, rep)

	<-l.started
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)

	assert.Equal(t, NoError, c.HandleControl(ControlEvent{Kind: ControlStop}))
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopRequested, StateStopped}, rep.snapshot())

	assert.Equal(t, NoError, c.HandleControl(ControlEvent{Kind: ControlStop}), "second stop is a no-op")
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, l.shutdowns)
}

func TestController_UserDefinedStopCode(t *testing.T) {
	l := newFakeListener()
	c, done := startController(t, l, nil)
	<-l.started

	assert.Equal(t, NotImplemented, c.HandleControl(ControlEvent{Kind: ControlUserEvent, Code: 131}))
	assert.Equal(t, StateRunning, c.State())

	assert.Equal(t, NoError, c.HandleControl(ControlEvent{Kind: ControlUserEvent, Code: 130}))
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, c.State())
}

func TestController_InterrogateAndUnknownEvents(t *testing.T) {
	l := newFakeListener()
	c, done := startController(t, l, nil)
	<-l.started

	assert.Equal(t, NoError, c.HandleControl(ControlEvent{Kind: ControlInterrogate}))
	assert.Equal(t, NotImplemented, c.HandleControl(ControlEvent{Kind: ControlOther, Code: 0x10}))
	assert.Equal(t, StateRunning, c.State())

	c.RequestStop()
	require.NoError(t, waitDone(t, done))
}

func TestController_StopBeforeListenerReady(t *testing.T) {
	c := NewController(ControllerConfig{Listener: NewHTTPListener(ListenerConfig{Addr: "127.0.0.1:0"}, http.NotFoundHandler(), nil)})
	c.RequestStop()

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestController_ContextCancel(t *testing.T) {
	l := newFakeListener()
	c := NewController(ControllerConfig{Listener: l})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-l.started
	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, c.State())
}

func TestController_ListenerFailure(t *testing.T) {
	l := newFakeListener()
	l.serveErr = errors.New("address already in use")
	rep := &recordingReporter{}
	c, done := startController(t, l, rep)

	err := waitDone(t, done)
	require.Error(t, err)
	assert.ErrorContains(t, err, "address already in use")
	assert.Equal(t, StateStopped, c.State())
	assert.NotContains(t, rep.snapshot(), StateRunning)
}

func TestHTTPListener_GracefulShutdown(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "done")
	})

	l := NewHTTPListener(ListenerConfig{Addr: "127.0.0.1:0"}, mux, nil)
	c, done := startController(t, l, nil)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	addr := l.Addr()
	require.NotEmpty(t, addr)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	type result struct {
		body string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/slow")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		resCh <- result{body: string(b), err: err}
	}()

	<-entered
	c.RequestStop()
	require.Eventually(t, func() bool { return c.State() == StateStopRequested }, time.Second, 5*time.Millisecond)

	// New connections are refused once shutdown has begun.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.body, "in-flight request completes")

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, c.State())
	client.CloseIdleConnections()
}

func TestHTTPListener_BindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	l := NewHTTPListener(ListenerConfig{Addr: taken.Addr().String()}, http.NotFoundHandler(), nil)
	err = l.Serve(func() { t.Error("ready must not be called") })
	assert.Error(t, err)
}

// gatedReporter holds the report of one state until released.
type gatedReporter struct {
	recordingReporter
	gate    State
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReporter) ReportState(s State) {
	if s == r.gate {
		close(r.entered)
		<-r.release
	}
	r.recordingReporter.ReportState(s)
}

func TestController_ReportsTransitionsInOrder(t *testing.T) {
	rep := &gatedReporter{gate: StateRunning, entered: make(chan struct{}), release: make(chan struct{})}
	c := NewController(ControllerConfig{Listener: newFakeListener(), Reporter: rep})
	c.transition(StateStarting)

	go c.markRunning()
	<-rep.entered

	stopped := make(chan struct{})
	go func() {
		c.transition(StateStopRequested)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopRequested reported before Running finished reporting")
	case <-time.After(50 * time.Millisecond):
	}

	close(rep.release)
	<-stopped
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopRequested}, rep.snapshot())
	assert.Equal(t, StateStopRequested, c.State())
}

// jobTracker stands in for the print pipeline's running-job count.
type jobTracker struct {
	done chan struct{}
}

func (j *jobTracker) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestController_WaitsForJobsPastShutdownTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	jobs := &jobTracker{done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/print", func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		close(jobs.done)
		_, _ = io.WriteString(w, "printed")
	})

	l := NewHTTPListener(ListenerConfig{Addr: "127.0.0.1:0"}, mux, nil)
	rep := &recordingReporter{}
	c := NewController(ControllerConfig{
		Listener:        l,
		Reporter:        rep,
		InFlight:        jobs,
		ShutdownTimeout: 100 * time.Millisecond,
	})
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	type result struct {
		body string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := client.Post("http://"+l.Addr()+"/print", "application/json", nil)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		resCh <- result{body: string(b), err: err}
	}()

	<-entered
	c.RequestStop()

	// Well past the shutdown timeout the job is still running, so Run must not
	// have returned.
	select {
	case err := <-done:
		t.Fatalf("controller stopped with a job in flight: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
	assert.Equal(t, StateStopRequested, c.State())

	close(release)
	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "printed", res.body)

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopRequested, StateStopped}, rep.snapshot())
	client.CloseIdleConnections()
}
