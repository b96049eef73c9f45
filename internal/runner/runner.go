package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

// SpawnFailedExitCode is reported when the executable could not be started.
const SpawnFailedExitCode = 127

const chunkSize = 4 << 10

// DefaultRespondTimeout bounds a stdin write when Config.RespondTimeout is zero.
const DefaultRespondTimeout = 5 * time.Second

// ErrNotRunning is returned by Respond once the process has exited or was never started.
var ErrNotRunning = errors.New("process not running")

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from either output stream.
type Chunk struct {
	Stream Stream
	Data   string
}

// Config describes how to invoke the external executable.
type Config struct {
	// Command is the argv prefix, e.g. ["codex"].
	Command []string
	// PromptFlag precedes the prompt when non-empty.
	PromptFlag string
	// Args are appended after the prompt, e.g. ["--json-output"].
	Args []string
	Dir  string
	Env  []string
	// RespondTimeout bounds a single Respond write against a child that
	// stopped reading stdin.
	RespondTimeout time.Duration
}

// Argv returns the full command line for prompt.
func (c Config) Argv(prompt string) []string {
	argv := append([]string{}, c.Command...)
	if c.PromptFlag != "" {
		argv = append(argv, c.PromptFlag)
	}
	argv = append(argv, prompt)
	return append(argv, c.Args...)
}

// Runner spawns one process per prompt.
type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// Start launches the executable for prompt. It never returns an error: a
// spawn failure yields a Handle that is already finished with
// SpawnFailedExitCode and Err set.
func (r *Runner) Start(ctx context.Context, prompt string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		chunks: make(chan Chunk, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	argv := r.cfg.Argv(prompt)
	if len(r.cfg.Command) == 0 {
		h.fail(errors.New("no executable configured"))
		return h
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if r.cfg.Dir != "" {
		cmd.Dir = r.cfg.Dir
	}
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}
	// Kill the whole process group so helpers spawned by the executable do
	// not keep the output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.fail(err)
		return h
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.fail(err)
		return h
	}
	// os.Pipe rather than StdinPipe: the write end must accept a deadline.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		h.fail(err)
		return h
	}
	cmd.Stdin = stdinR

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		h.fail(fmt.Errorf("start %s: %w", argv[0], err))
		return h
	}
	stdinR.Close()
	h.stdin = stdinW
	h.respondTimeout = r.cfg.RespondTimeout
	if h.respondTimeout <= 0 {
		h.respondTimeout = DefaultRespondTimeout
	}
	h.running = true

	var wg sync.WaitGroup
	wg.Add(2)
	go h.pump(&wg, stdout, Stdout)
	go h.pump(&wg, stderr, Stderr)

	go func() {
		// Wait must follow the pipe readers: it closes the read ends.
		wg.Wait()
		close(h.chunks)
		werr := cmd.Wait()
		h.finish(exitCode(werr), werr)
	}()
	return h
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// Handle is the live view of one spawned process.
type Handle struct {
	chunks chan Chunk
	done   chan struct{}
	cancel context.CancelFunc

	mu             sync.Mutex
	stdin          *os.File
	respondTimeout time.Duration
	running        bool
	code           int
	err            error
}

// pump forwards reads from r as chunks. A multibyte rune split by a read is
// held back and sent with the next chunk, so every chunk is whole runes
// unless the stream itself is not valid UTF-8.
func (h *Handle) pump(wg *sync.WaitGroup, r io.Reader, s Stream) {
	defer wg.Done()
	buf := make([]byte, chunkSize+utf8.UTFMax)
	held := 0
	for {
		n, err := r.Read(buf[held : held+chunkSize])
		n += held
		cut := n
		if err == nil {
			cut = runeBoundary(buf[:n])
		}
		if cut > 0 {
			h.chunks <- Chunk{Stream: s, Data: string(buf[:cut])}
		}
		held = copy(buf, buf[cut:n])
		if err != nil {
			return
		}
	}
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside an incomplete UTF-8 sequence.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func (h *Handle) fail(err error) {
	close(h.chunks)
	h.finish(SpawnFailedExitCode, err)
}

func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	h.running = false
	h.code = code
	h.err = err
	if h.stdin != nil {
		_ = h.stdin.Close()
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

// Chunks delivers output in arrival order per stream. It is closed once
// both streams reach EOF, before Done closes.
func (h *Handle) Chunks() <-chan Chunk { return h.chunks }

// Done is closed when the exit code is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode is valid after Done is closed.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// Err returns the error from spawning or waiting, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Kill requests immediate termination. Safe to call any number of times,
// including after exit.
func (h *Handle) Kill() {
	h.cancel()
}

type responseLine struct {
	Type          string `json:"type"`
	InteractionID string `json:"interactionId"`
	Response      string `json:"response"`
}

// Respond writes an interaction response to the process as one JSON line on
// stdin. A write the child does not drain within the respond timeout fails
// with an error wrapping os.ErrDeadlineExceeded.
func (h *Handle) Respond(interactionID, response string) error {
	b, err := json.Marshal(responseLine{Type: "interaction_response", InteractionID: interactionID, Response: response})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.stdin == nil {
		return ErrNotRunning
	}
	if err := h.stdin.SetWriteDeadline(time.Now().Add(h.respondTimeout)); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	if _, err := h.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
