package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
)

type fakeConn struct {
	inbound   chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan Frame, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case fr, ok := <-f.inbound:
		if !ok {
			return io.EOF
		}
		*(v.(*Frame)) = fr
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, v.(Frame))
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the server going away.
func (f *fakeConn) drop() {
	close(f.inbound)
}

func (f *fakeConn) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Frame(nil), f.written...)
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	headers []http.Header
	conns   []*fakeConn
	dial    func(ctx context.Context, n int) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.headers = append(d.headers, header.Clone())
	fn := d.dial
	d.mu.Unlock()
	if fn != nil {
		conn, err := fn(ctx, n)
		if fc, ok := conn.(*fakeConn); ok {
			d.mu.Lock()
			d.conns = append(d.conns, fc)
			d.mu.Unlock()
		}
		return conn, err
	}
	fc := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, fc)
	d.mu.Unlock()
	return fc, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func customerIdentity() identity.Static {
	return identity.Static{UserID: "cust-1", Role: chat.RoleCustomer, Token: "tok"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// instantAfter records requested delays and fires immediately.
type instantAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *instantAfter) after(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (a *instantAfter) recorded() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Duration(nil), a.delays...)
}
