package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/phishguard/phishguard/pkg/protocol"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory Conn. Tests feed it inbound messages and inspect
// what the channel wrote.
type fakeConn struct {
	in   chan []byte
	errs chan error
	done chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 128),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		close(f.done)
	}
	return nil
}

func (f *fakeConn) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// deliver queues an inbound message of the given kind.
func (f *fakeConn) deliver(t *testing.T, kind protocol.Kind, data any) {
	t.Helper()
	msg, err := protocol.NewInbound(kind, data)
	if err != nil {
		t.Fatal(err)
	}
	f.in <- msg
}

func (f *fakeConn) deliverRaw(data string) {
	f.in <- []byte(data)
}

// fail ends the connection from the remote side with err.
func (f *fakeConn) fail(err error) {
	f.errs <- err
}

// sentTypes returns the "type" field of every written message.
func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.written {
		var m struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(w, &m)
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeConn) countSent(typ string) int {
	n := 0
	for _, s := range f.sentTypes() {
		if s == typ {
			n++
		}
	}
	return n
}

type dialCall struct {
	url          string
	header       http.Header
	prevIsClosed bool
}

// fakeDialer hands out fakeConns, or fails while err is set.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{} // when set, Dial waits for it or ctx
	calls []dialCall
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	call := dialCall{url: url, header: header.Clone(), prevIsClosed: true}
	if n := len(d.conns); n > 0 {
		call.prevIsClosed, _ = d.conns[n-1].isClosed()
	}
	d.calls = append(d.calls, call)
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) call(i int) dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pending returns the durations of timers that have neither fired nor been
// stopped.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// recordingNotifier records alerts instead of showing them.
type recordingNotifier struct {
	mu         sync.Mutex
	permission Permission
	alerts     []Alert
}

func (n *recordingNotifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *recordingNotifier) RequestPermission(context.Context) (Permission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.permission == PermissionDefault {
		n.permission = PermissionGranted
	}
	return n.permission, nil
}

func (n *recordingNotifier) Notify(a Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
}

func (n *recordingNotifier) recorded() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	topics []string
	data   []any
}

func (r *recordingBroadcaster) PublishType(topic string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.data = append(r.data, data)
}

func (r *recordingBroadcaster) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
