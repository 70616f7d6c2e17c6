package speech

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecProvider runs an external recognizer that writes one JSON message per
// line on stdout:
//
//	{"type":"result","index":0,"results":[{"text":"go to","final":false}]}
//	{"type":"error","error":"no-speech"}
//
// The process receives --language <code> and, when interim results are
// wanted, --interim. Closing its stdin asks it to flush and exit.
type ExecProvider struct {
	cmd []string
	log *slog.Logger

	mu      sync.Mutex
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	running bool
	aborted bool
	done    chan struct{}
}

type execMessage struct {
	Type    string   `json:"type"`
	Index   int      `json:"index"`
	Results []Result `json:"results"`
	Error   string   `json:"error"`
}

func NewExecProvider(command string, logger *slog.Logger) (*ExecProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command is empty")
	}
	return &ExecProvider{cmd: args, log: logger.With(slog.String("component", "speech-exec"))}, nil
}

func (e *ExecProvider) Supported() bool { return true }

func (e *ExecProvider) Start(ctx context.Context, cfg StreamConfig, h Handler) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrStreamActive
	}

	args := append([]string{}, e.cmd[1:]...)
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	if cfg.Interim {
		args = append(args, "--interim")
	}

	runCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(runCtx, e.cmd[0], args...)
	stdin, err := command.StdinPipe()
	if err != nil {
		e.mu.Unlock()
		cancel()
		return err
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		e.mu.Unlock()
		cancel()
		return err
	}
	if err := command.Start(); err != nil {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("start speech command: %w", err)
	}

	e.stdin = stdin
	e.cancel = cancel
	e.running = true
	e.aborted = false
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	h.HandleStart()
	go e.read(command, stdout, h, done)
	return nil
}

func (e *ExecProvider) read(command *exec.Cmd, stdout io.Reader, h Handler, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg execMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			e.log.Warn("failed to decode recognizer output", slogError(err))
			continue
		}
		if e.isAborted() {
			continue
		}
		switch msg.Type {
		case "result":
			h.HandleResult(msg.Index, msg.Results)
		case "error":
			h.HandleError(msg.Error)
		case "start", "end":
		default:
			e.log.Debug("unknown recognizer message", slog.String("type", msg.Type))
		}
	}
	err := command.Wait()

	e.mu.Lock()
	aborted := e.aborted
	e.running = false
	e.stdin = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	if err != nil && !aborted {
		e.log.Warn("speech command exited", slogError(err))
		h.HandleError(ErrCodeAudioCapture)
	}
	h.HandleEnd()
}

func (e *ExecProvider) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

func (e *ExecProvider) Stop() error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return nil
	}
	if err := stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (e *ExecProvider) Abort() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.aborted = true
	cancel, stdin := e.cancel, e.stdin
	e.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the current process has exited.
func (e *ExecProvider) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}
