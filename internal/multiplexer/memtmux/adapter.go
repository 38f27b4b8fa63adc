// Package memtmux is an in-memory fake of the multiplexer.Multiplexer
// contract used by the session hub's test suite in place of a real tmux
// installation.
package memtmux

import (
	"context"
	"sync"
	"time"

	"odin-term/internal/multiplexer"
)

type fakeSession struct {
	mu       sync.Mutex
	writes   [][]byte
	cols     int
	rows     int
	created  int64
	attached bool

	subsMu sync.Mutex
	subs   map[*fakeHandle]chan []byte
}

// Adapter is an in-memory multiplexer for tests. Create sessions with
// CreateSession, then push simulated PTY output with Emit.
type Adapter struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

// New creates an empty fake adapter.
func New() *Adapter {
	return &Adapter{sessions: make(map[string]*fakeSession)}
}

// CreateSession registers a named session the fake will serve Attach/
// Write/Resize/List calls for.
func (a *Adapter) CreateSession(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[name]; ok {
		return
	}
	a.sessions[name] = &fakeSession{
		cols:    80,
		rows:    24,
		created: time.Now().Unix(),
		subs:    make(map[*fakeHandle]chan []byte),
	}
}

// RemoveSession drops a session, simulating the multiplexer process
// losing it out from under the hub; any blocked Read on an attached
// handle returns an error.
func (a *Adapter) RemoveSession(name string) {
	a.mu.Lock()
	sess, ok := a.sessions[name]
	delete(a.sessions, name)
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.subsMu.Lock()
	for _, ch := range sess.subs {
		close(ch)
	}
	sess.subs = nil
	sess.subsMu.Unlock()
}

// Emit simulates the multiplexer producing raw output bytes for a
// session, fanning them out to every attached handle.
func (a *Adapter) Emit(name string, data []byte) {
	a.mu.Lock()
	sess, ok := a.sessions[name]
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.subsMu.Lock()
	defer sess.subsMu.Unlock()
	for _, ch := range sess.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Writes returns the bytes written to a session via Write, for test
// assertions.
func (a *Adapter) Writes(name string) [][]byte {
	a.mu.Lock()
	sess, ok := a.sessions[name]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([][]byte, len(sess.writes))
	copy(out, sess.writes)
	return out
}

func (a *Adapter) Attach(ctx context.Context, name string) (multiplexer.OutputHandle, error) {
	a.mu.Lock()
	sess, ok := a.sessions[name]
	a.mu.Unlock()
	if !ok {
		return nil, multiplexer.ErrNotFound
	}

	ch := make(chan []byte, 256)
	h := &fakeHandle{sess: sess, ch: ch}

	sess.mu.Lock()
	sess.attached = true
	sess.mu.Unlock()

	sess.subsMu.Lock()
	sess.subs[h] = ch
	sess.subsMu.Unlock()

	return h, nil
}

func (a *Adapter) Write(ctx context.Context, name string, data []byte) error {
	a.mu.Lock()
	sess, ok := a.sessions[name]
	a.mu.Unlock()
	if !ok {
		return multiplexer.ErrNotFound
	}
	sess.mu.Lock()
	sess.writes = append(sess.writes, append([]byte(nil), data...))
	sess.mu.Unlock()
	return nil
}

func (a *Adapter) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > multiplexer.MaxDimension || rows > multiplexer.MaxDimension {
		return multiplexer.ErrInvalidArgs
	}
	a.mu.Lock()
	sess, ok := a.sessions[name]
	a.mu.Unlock()
	if !ok {
		return multiplexer.ErrNotFound
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	sess.mu.Unlock()
	return nil
}

func (a *Adapter) List(ctx context.Context) ([]multiplexer.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	infos := make([]multiplexer.Info, 0, len(a.sessions))
	for name, sess := range a.sessions {
		sess.mu.Lock()
		infos = append(infos, multiplexer.Info{
			Name:     name,
			Attached: sess.attached,
			Created:  sess.created,
			Width:    sess.cols,
			Height:   sess.rows,
		})
		sess.mu.Unlock()
	}
	return infos, nil
}

type fakeHandle struct {
	sess       *fakeSession
	ch         chan []byte
	detachOnce sync.Once
}

func (h *fakeHandle) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-h.ch:
		if !ok {
			return nil, multiplexer.ErrIO
		}
		return data, nil
	}
}

func (h *fakeHandle) Detach() error {
	h.detachOnce.Do(func() {
		h.sess.subsMu.Lock()
		if h.sess.subs != nil {
			delete(h.sess.subs, h)
		}
		h.sess.subsMu.Unlock()
	})
	return nil
}
