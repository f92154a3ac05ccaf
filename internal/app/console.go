package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/livevoice/internal/session"
)

// ErrQuit is returned by [App.Exec] for the quit command.
var ErrQuit = errors.New("app: quit")

const consoleHelp = `commands:
  start   start recording (reconnects if needed)
  stop    stop recording
  reset   close the session and open a fresh one
  status  print the current status as JSON
  quit    shut down`

// Exec runs one console command and returns its output.
func (a *App) Exec(ctx context.Context, line string) (string, error) {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
		return "", nil
	case "start":
		return "", a.ctrl.StartRecording(ctx)
	case "stop":
		return "", a.ctrl.StopRecording()
	case "reset":
		return "", a.ctrl.Reset(ctx)
	case "status":
		b, err := json.MarshalIndent(a.Report(), "", "  ")
		if err != nil {
			return "", fmt.Errorf("app: status: %w", err)
		}
		return string(b), nil
	case "help", "?":
		return consoleHelp, nil
	case "quit", "exit":
		return "", ErrQuit
	default:
		return "", fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

// Console reads commands line by line from in and writes results and status
// changes to out. It returns nil on quit or end of input, and ctx.Err() if
// ctx ends first.
func (a *App) Console(ctx context.Context, in io.Reader, out io.Writer) error {
	var (
		mu     sync.Mutex
		closed bool
	)
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			fmt.Fprintf(out, format, args...)
		}
	}
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	a.ctrl.OnStatus(func(s session.Status) {
		printf("[%s] %s\n", s.State, s.Text())
	})

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	printf("%s\n", consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			res, err := a.Exec(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				printf("error: %v\n", err)
				continue
			}
			if res != "" {
				printf("%s\n", res)
			}
		}
	}
}
