package supervisor

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// transcriptWriter is the per-agent JSON-line sidecar: one structured event
// per stdout/stderr line plus lifecycle markers (spawning, exited). It plays
// the role pkg/eventlog.Writer plays for daily-rotated operator events, but
// scoped to a single agent's lifetime rather than a rotating daily file —
// the agent's log directory IS the rotation unit.
type transcriptWriter struct {
	mu  sync.Mutex
	f   *os.File
	log zerolog.Logger
}

func newTranscriptWriter(path string) (*transcriptWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &transcriptWriter{
		f:   f,
		log: zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

// WriteEvent appends one structured line. Write failures are swallowed: a
// transcript is diagnostic, not authoritative state, so it must never block
// or fail agent supervision (spec.md §7 "best-effort" sidecars).
func (t *transcriptWriter) WriteEvent(event string, fields map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evt := t.log.Info().Str("event", event).Time("ts", time.Now())
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Send()
}

func (t *transcriptWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
