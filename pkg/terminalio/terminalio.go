// Package terminalio is the CLI front-end daemon of spec.md §4.1: a raw
// stdin reader with line editing/history, posting each line onto the main
// loop's router and printing back whatever reply comes out.
package terminalio

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"

	"github.com/leon-ai/leon/internal/logx"
)

// RouteFunc turns one line of terminal input into a reply string. Callers
// wire this to internal/mainloop.Loop.Submit + pkg/router.Router.Route so
// routing always happens on the single loop goroutine.
type RouteFunc func(ctx context.Context, text string) (string, error)

// Config configures the terminal front-end's prompt and history file.
type Config struct {
	Prompt      string
	HistoryFile string
}

// Terminal owns one readline.Instance and the goroutine reading from it.
type Terminal struct {
	rl     *readline.Instance
	route  RouteFunc
	logger *logx.Logger
}

// New opens a readline instance against the current stdin/stdout. Returns
// an error if the process isn't attached to a TTY (e.g. run under a
// service manager) — callers should treat that as "terminal front-end
// disabled", not a fatal startup error.
func New(cfg Config, route RouteFunc, logger *logx.Logger) (*Terminal, error) {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "\033[36mleon>\033[0m "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       cfg.HistoryFile,
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("terminalio: readline init: %w", err)
	}
	return &Terminal{rl: rl, route: route, logger: logger}, nil
}

// Run blocks reading lines until the terminal is closed (Stop, or Ctrl-D),
// printing each routed reply. Intended to run on its own daemon goroutine
// per spec.md §4.1 ("external blocking producers... execute on dedicated
// daemon threads").
func (t *Terminal) Run(ctx context.Context) {
	for {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return
		}
		reply, rerr := t.route(ctx, text)
		if rerr != nil {
			fmt.Fprintf(t.rl.Stderr(), "error: %v\n", rerr)
			continue
		}
		fmt.Fprintln(t.rl.Stdout(), reply)
	}
}

// Stop closes the underlying readline instance, unblocking Run's
// Readline() call so the daemon goroutine can exit. Safe to call from the
// mainloop's daemon-stop hook.
func (t *Terminal) Stop() {
	t.rl.Close()
}
