// Package tmux implements the multiplexer.Multiplexer contract against a
// real tmux installation, using `tmux pipe-pane` to tail raw output and
// the `send-keys`/`resize-window`/`list-sessions` subcommands for the
// remaining operations.
package tmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"odin-term/internal/multiplexer"
)

// Adapter shells out to the tmux binary. One Adapter instance serializes
// writes per session name so concurrent Write calls for the same session
// never interleave on the wire, per the multiplexer contract.
type Adapter struct {
	bin        string
	socketPath string
	pipeDir    string

	mu       sync.Mutex
	writeMus map[string]*sync.Mutex
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBinary overrides the tmux executable name/path (default "tmux").
func WithBinary(bin string) Option {
	return func(a *Adapter) { a.bin = bin }
}

// WithSocket pins the adapter to a specific tmux server socket, matching
// the `-S` flag tmux accepts.
func WithSocket(path string) Option {
	return func(a *Adapter) { a.socketPath = path }
}

// WithPipeDir overrides where the regular files pipe-pane appends to are created
// (default os.TempDir()).
func WithPipeDir(dir string) Option {
	return func(a *Adapter) { a.pipeDir = dir }
}

// New creates a tmux-backed adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		bin:      "tmux",
		pipeDir:  os.TempDir(),
		writeMus: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) args(extra ...string) []string {
	if a.socketPath == "" {
		return extra
	}
	return append([]string{"-S", a.socketPath}, extra...)
}

func (a *Adapter) command(ctx context.Context, extra ...string) *exec.Cmd {
	return exec.CommandContext(ctx, a.bin, a.args(extra...)...)
}

func (a *Adapter) writeMutex(sessionName string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.writeMus[sessionName]
	if !ok {
		m = &sync.Mutex{}
		a.writeMus[sessionName] = m
	}
	return m
}

func (a *Adapter) hasSession(ctx context.Context, sessionName string) bool {
	cmd := a.command(ctx, "has-session", "-t", sessionName)
	return cmd.Run() == nil
}

// Attach activates pipe-pane on sessionName and returns a handle that
// tails the resulting file for new bytes.
func (a *Adapter) Attach(ctx context.Context, sessionName string) (multiplexer.OutputHandle, error) {
	if !a.hasSession(ctx, sessionName) {
		return nil, multiplexer.ErrNotFound
	}

	pipePath := fmt.Sprintf("%s/odin-term-%s.pipe", strings.TrimRight(a.pipeDir, "/"), sessionName)
	f, err := os.OpenFile(pipePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create pipe file: %v", multiplexer.ErrUnavailable, err)
	}
	f.Close()

	startCmd := a.command(ctx, "pipe-pane", "-t", sessionName, "-o", fmt.Sprintf("cat >> %s", pipePath))
	if err := startCmd.Run(); err != nil {
		os.Remove(pipePath)
		return nil, fmt.Errorf("%w: pipe-pane: %v", multiplexer.ErrUnavailable, err)
	}

	tail, err := os.Open(pipePath)
	if err != nil {
		os.Remove(pipePath)
		return nil, fmt.Errorf("%w: open pipe file: %v", multiplexer.ErrUnavailable, err)
	}
	tail.Seek(0, io.SeekEnd)

	h := &outputHandle{
		adapter:     a,
		sessionName: sessionName,
		pipePath:    pipePath,
		file:        tail,
		reader:      bufio.NewReaderSize(tail, 32*1024),
	}
	return h, nil
}

type outputHandle struct {
	adapter     *Adapter
	sessionName string
	pipePath    string
	file        *os.File
	reader      *bufio.Reader

	detachOnce sync.Once
}

// Read blocks (polling) until new bytes are available, ctx is canceled,
// or the pipe is detached. End of file counts as no new data, so Read
// returns no error when the tmux session itself is killed; it keeps
// polling the output file.
func (h *outputHandle) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := h.reader.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", multiplexer.ErrIO, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Detach stops pipe-pane and removes the tail file. Idempotent.
func (h *outputHandle) Detach() error {
	var detachErr error
	h.detachOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopCmd := h.adapter.command(ctx, "pipe-pane", "-t", h.sessionName)
		detachErr = stopCmd.Run()
		h.file.Close()
		os.Remove(h.pipePath)
	})
	return detachErr
}

// Write sends raw input bytes to sessionName via `tmux send-keys -l`,
// serialized per session so concurrent callers never interleave.
func (a *Adapter) Write(ctx context.Context, sessionName string, data []byte) error {
	mu := a.writeMutex(sessionName)
	mu.Lock()
	defer mu.Unlock()

	if !a.hasSession(ctx, sessionName) {
		return multiplexer.ErrNotFound
	}

	cmd := a.command(ctx, "send-keys", "-t", sessionName, "-l", "--", string(data))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: send-keys: %v: %s", multiplexer.ErrIO, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Resize resizes sessionName's window to cols x rows.
func (a *Adapter) Resize(ctx context.Context, sessionName string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > multiplexer.MaxDimension || rows > multiplexer.MaxDimension {
		return multiplexer.ErrInvalidArgs
	}
	if !a.hasSession(ctx, sessionName) {
		return multiplexer.ErrNotFound
	}

	cmd := a.command(ctx, "resize-window", "-t", sessionName, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: resize-window: %v: %s", multiplexer.ErrIO, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// tmux list-sessions format string; fields are tab separated to survive
// session names containing spaces.
const listFormat = "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}\t#{window_width}\t#{window_height}"

// List enumerates sessions known to the tmux server.
func (a *Adapter) List(ctx context.Context) ([]multiplexer.Info, error) {
	cmd := a.command(ctx, "list-sessions", "-F", listFormat)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(string(exitErr.Stderr), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list-sessions: %v", multiplexer.ErrUnavailable, err)
	}

	var infos []multiplexer.Info
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 6 {
			continue
		}
		windowCount, _ := strconv.Atoi(fields[1])
		attached := fields[2] == "1"
		created, _ := strconv.ParseInt(fields[3], 10, 64)
		width, _ := strconv.Atoi(fields[4])
		height, _ := strconv.Atoi(fields[5])
		infos = append(infos, multiplexer.Info{
			Name:        fields[0],
			WindowCount: windowCount,
			Attached:    attached,
			Created:     created,
			Width:       width,
			Height:      height,
		})
	}
	return infos, nil
}
