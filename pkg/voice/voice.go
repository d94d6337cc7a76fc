// Package voice is the submit-to-loop seam spec.md §6 specifies for
// speech I/O: a daemon-thread STT source pushes transcribed utterances
// onto the main loop, and TTS replies are scheduled from the loop but run
// on a separate goroutine (the "run-in-executor" posture spec.md
// describes for a blocking audio sink). Audio capture/codec internals are
// explicitly out of scope (spec.md §1) — Source/Sink are implemented by
// an external speech backend; this package only wires whichever is
// plugged in to the router.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/internal/mainloop"
	"github.com/leon-ai/leon/pkg/router"
)

// Source is implemented by an external speech-to-text backend: Listen
// blocks running capture, invoking onTranscript for each recognized
// utterance, until ctx is cancelled.
type Source interface {
	Listen(ctx context.Context, onTranscript func(text string)) error
}

// Sink is implemented by an external text-to-speech backend: Speak
// blocks synthesizing and playing text.
type Sink interface {
	Speak(ctx context.Context, text string) error
}

// Router is the subset of pkg/router.Router the voice daemon needs.
type Router interface {
	Route(ctx context.Context, u router.Utterance) router.Emission
}

// Daemon wires an optional Source/Sink pair into the main loop. Either
// may be nil — a nil Source means "no STT backend plugged in" (Run is then
// a no-op); a nil Sink means replies are routed but never spoken aloud.
type Daemon struct {
	source Source
	sink   Sink
	loop   *mainloop.Loop
	rt     Router
	logger *logx.Logger

	mu    sync.Mutex
	muted bool

	onVAD func(active bool)
}

// SetVADHandler wires a voice-activity-detection sink (pkg/dashboard's
// BroadcastVAD, typically) that OnVAD reports to.
func (d *Daemon) SetVADHandler(fn func(active bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onVAD = fn
}

// OnVAD is called by the Source implementation when speech activity
// starts or stops; it fans out to whatever VAD handler is configured.
func (d *Daemon) OnVAD(active bool) {
	d.mu.Lock()
	fn := d.onVAD
	d.mu.Unlock()
	if fn != nil {
		fn(active)
	}
}

// New builds a voice Daemon. loop and rt are required; source and sink
// may be nil.
func New(source Source, sink Sink, loop *mainloop.Loop, rt Router, logger *logx.Logger) *Daemon {
	return &Daemon{source: source, sink: sink, loop: loop, rt: rt, logger: logger}
}

// Run blocks driving the STT source until ctx is cancelled or the source
// returns. A nil source (no backend configured) returns immediately.
func (d *Daemon) Run(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	return d.source.Listen(ctx, d.onTranscript)
}

func (d *Daemon) onTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" || d.Muted() {
		return
	}
	d.loop.Submit(func() {
		emission := d.rt.Route(context.Background(), router.Utterance{
			Timestamp: time.Now(), Source: router.SourceVoice, Text: text,
		})
		if emission.Kind == router.EmissionReply {
			d.Speak(context.Background(), emission.Text)
		}
	})
}

// Speak schedules text to be spoken from the main loop, but the blocking
// audio-sink call itself runs on its own goroutine (never on the loop
// goroutine), matching spec.md §6's "invoke a blocking audio sink via
// run-in-executor". A nil Sink makes this a no-op.
func (d *Daemon) Speak(ctx context.Context, text string) {
	if d.sink == nil {
		return
	}
	d.loop.Submit(func() {
		go func() {
			if err := d.sink.Speak(ctx, text); err != nil {
				d.logger.Warn("voice: speak: %v", err)
			}
		}()
	})
}

// SetMuted toggles whether transcripts are routed (dashboard's
// voice_mute/voice_unmute commands drive this).
func (d *Daemon) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

// Muted reports the current mute state.
func (d *Daemon) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}
