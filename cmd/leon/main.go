// Command leon is the process entrypoint: it loads configuration, opens
// every persistence leaf, wires the router/supervisor/scheduler/night-mode
// components onto the shared mainloop, and blocks until signaled to stop
// (spec.md §4.1 "Main loop").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/leon-ai/leon/internal/config"
	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/internal/mainloop"
	"github.com/leon-ai/leon/internal/metrics"
	llm "github.com/leon-ai/leon/pkg/llmchain"
	"github.com/leon-ai/leon/pkg/llmchain/providers/anthropic"
	"github.com/leon-ai/leon/pkg/llmchain/providers/google"
	"github.com/leon-ai/leon/pkg/llmchain/providers/ollama"
	"github.com/leon-ai/leon/pkg/llmchain/providers/openai"
	"github.com/leon-ai/leon/pkg/chatbridge"
	"github.com/leon-ai/leon/pkg/dashboard"
	"github.com/leon-ai/leon/pkg/eventlog"
	"github.com/leon-ai/leon/pkg/limiter"
	"github.com/leon-ai/leon/pkg/memory"
	"github.com/leon-ai/leon/pkg/nightmode"
	execpkg "github.com/leon-ai/leon/pkg/exec"
	"github.com/leon-ai/leon/pkg/router"
	"github.com/leon-ai/leon/pkg/scheduler"
	"github.com/leon-ai/leon/pkg/skills"
	"github.com/leon-ai/leon/pkg/supervisor"
	"github.com/leon-ai/leon/pkg/taskqueue"
	"github.com/leon-ai/leon/pkg/terminalio"
	"github.com/leon-ai/leon/pkg/voice"
	"golang.org/x/term"
)

// version is the CLI's own release tag; overridden at build time via
// -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "leon",
		Short: "Leon is a personal AI orchestrator",
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to leon.toml (defaults to $LEON_PERSISTENCE_ROOT or ~/.leon/leon.toml)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newSetupCmd(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the leon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if root := os.Getenv("LEON_PERSISTENCE_ROOT"); root != "" {
		return filepath.Join(root, "leon.toml")
	}
	cfg := config.Default()
	return filepath.Join(cfg.PersistenceRoot, "leon.toml")
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the Leon orchestrator process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeon(resolveConfigPath(*configPath))
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a snapshot of queue depth, running agents, and night-mode state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(resolveConfigPath(*configPath))
		},
	}
}

func newSetupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively collect missing LM provider API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(resolveConfigPath(*configPath))
		},
	}
}

// runSetup prompts (masked, via pkg/terminalio.PromptSecret) for any LM
// provider credential left empty by the config file or environment
// overlay, then persists them. It never overwrites a credential that's
// already configured.
func runSetup(configPath string) error {
	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := config.Get()

	prompts := []struct {
		label string
		field *string
	}{
		{"Anthropic API key (blank to skip)", &cfg.Providers.AnthropicAPIKey},
		{"OpenAI API key (blank to skip)", &cfg.Providers.OpenAIAPIKey},
		{"Google API key (blank to skip)", &cfg.Providers.GoogleAPIKey},
	}
	for _, p := range prompts {
		if *p.field != "" {
			continue
		}
		secret, err := terminalio.PromptSecret(p.label)
		if err != nil {
			return err
		}
		*p.field = secret
	}

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Println("leon: configuration saved to", configPath)
	return nil
}

// app bundles every owned component the run command assembles, so Stop
// hooks and periodic ticks can be registered in one place.
type app struct {
	cfg    config.Config
	logger *logx.Logger
	rec    metrics.Recorder
	loop   *mainloop.Loop

	mem     *memory.Store
	queue   *taskqueue.Queue
	sched   *scheduler.Scheduler
	night   *nightmode.Dispatcher
	super   *supervisor.Supervisor
	rt      *router.Router
	limiter *limiter.Limiter
	dash    *dashboard.Server
	term         *terminalio.Terminal
	bridge       *chatbridge.Server
	bridgeClient *chatbridge.Client
	voice        *voice.Daemon
	audit        *eventlog.Writer
}

func runLeon(configPath string) error {
	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := config.Get()
	if err := os.MkdirAll(cfg.PersistenceRoot, 0o755); err != nil {
		return fmt.Errorf("create persistence root: %w", err)
	}

	logger := logx.NewLogger("leon")
	rec := metrics.NewPrometheusRecorder()

	a := &app{cfg: cfg, logger: logger, rec: rec, loop: mainloop.New(logger, 0)}
	if err := a.open(); err != nil {
		return err
	}
	defer a.close()

	a.startMetricsServer()
	a.startDashboard()
	a.startTerminal()
	a.startVoice()
	a.registerTicks()
	a.loop.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("leon: shutdown signal received, stopping")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.loop.Stop(stopCtx)
	return nil
}

func (a *app) open() error {
	var err error
	a.audit, err = eventlog.NewWriter(filepath.Join(a.cfg.PersistenceRoot, "audit"), "audit")
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	a.mem, err = memory.Open(
		filepath.Join(a.cfg.PersistenceRoot, "memory.json"), a.logger,
		memory.WithConversationCap(a.cfg.ConversationCapK),
		memory.WithFlushDebounce(a.cfg.MemoryFlushDebounce),
	)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}

	a.queue, err = taskqueue.Open(
		filepath.Join(a.cfg.PersistenceRoot, "tasks.json"), a.logger,
		taskqueue.WithMaxAttempts(a.cfg.AgentMaxAttempts),
		taskqueue.WithMetrics(a.rec),
	)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}

	if a.cfg.ChatBridgeOutboundURL != "" {
		a.bridgeClient = chatbridge.NewClient(a.cfg.ChatBridgeOutboundURL)
	}

	a.sched, err = scheduler.Open(
		filepath.Join(a.cfg.PersistenceRoot, "scheduler.json"), a.logger,
		scheduler.WithRoutedHandler(func(ctx context.Context, j scheduler.Job) error {
			a.queue.Enqueue(taskqueue.KindUserFollowup, j.Command, "")
			return nil
		}),
		scheduler.WithBuiltinHandler(func(ctx context.Context, j scheduler.Job) error {
			emission := a.rt.Route(ctx, router.Utterance{
				Source: router.SourceScheduler, Text: j.Command, Timestamp: time.Now(),
			})
			if emission.Kind == router.EmissionError {
				return fmt.Errorf("%s", emission.Text)
			}
			return nil
		}),
		scheduler.WithAlertFunc(func(ctx context.Context, jobName, lastError string) {
			alertText := fmt.Sprintf("Job %q has failed %d consecutive times: %s", jobName, scheduler.AlertThreshold, lastError)
			a.rt.Route(ctx, router.Utterance{
				Source:    router.SourceScheduler,
				Text:      alertText,
				Timestamp: time.Now(),
			})
			if werr := a.audit.WriteEvent(map[string]any{
				"kind": "scheduler_alert", "job": jobName, "last_error": lastError, "at": time.Now(),
			}); werr != nil {
				a.logger.Warn("leon: write audit event: %v", werr)
			}
			if a.bridgeClient != nil {
				if err := a.bridgeClient.Send(ctx, "", alertText); err != nil {
					a.logger.Warn("leon: push scheduler alert to bridge: %v", err)
				}
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}
	if defs, jerr := config.LoadJobDefs(a.cfg.JobsFile); jerr == nil {
		for _, def := range defs {
			if rerr := a.sched.Register(def); rerr != nil {
				a.logger.Warn("leon: failed to register job %q: %v", def.Name, rerr)
			}
		}
	} else {
		a.logger.Warn("leon: failed to load job defs: %v", jerr)
	}
	for _, name := range scheduler.BuiltinJobNames {
		if rerr := a.sched.Register(config.JobDef{Name: name, Cadence: "10m", Command: scheduler.MakeBuiltinCommand(name)}); rerr != nil {
			a.logger.Warn("leon: failed to register builtin job %q: %v", name, rerr)
		}
	}

	a.super = supervisor.New(supervisor.Config{
		MaxConcurrentAgents: a.cfg.MaxConcurrentAgents,
		IdleTimeout:         a.cfg.AgentIdleTimeout,
		HardTimeout:         a.cfg.AgentHardTimeout,
		GraceTimeout:        a.cfg.AgentGraceTimeout,
		CodingCLIPath:       a.cfg.CodingCLIPath,
		CredentialSource:    a.cfg.CredentialSourcePath,
		LogRoot:             filepath.Join(a.cfg.PersistenceRoot, "agents"),
	}, a.logger, a.rec, a.onAgentOutcome)

	a.night, err = nightmode.Open(
		filepath.Join(a.cfg.PersistenceRoot, "night_backlog.json"), a.logger,
		nightmode.WithIdleWindow(time.Duration(a.cfg.NightModeQuietSeconds)*time.Second),
		nightmode.WithEnqueuer(taskQueueEnqueuerAdapter{a.queue}),
		nightmode.WithCapacity(supervisorCapacityAdapter{super: a.super, queue: a.queue, ceiling: a.cfg.MaxConcurrentAgents}),
	)
	if err != nil {
		return fmt.Errorf("open night-mode dispatcher: %w", err)
	}
	a.night.SetOperatorToggle(a.cfg.NightModeEnabled)

	skillsReg := skills.NewRegistry(skills.DefaultDenyList...)
	localExec := &execpkg.LocalExec{}
	skills.RegisterSystemSkills(skillsReg, localExec)
	skillsReg.Register(skills.NewShellExec(localExec, a.cfg.PersistenceRoot))
	skillsReg.Register(skills.NewPythonExec(localExec, "python3", filepath.Join(a.cfg.PersistenceRoot, "scratch")))

	chain, rateLimiter := buildProviderChain(a.cfg, a.logger, localExec)
	a.limiter = rateLimiter
	a.rt = router.New(a.mem, a.queue, skillsReg, chain, a.logger, a.rec)
	a.rt.RegisterSchedulerBuiltin("drain_backlog", func(ctx context.Context, u router.Utterance) (router.Emission, error) {
		n, derr := a.night.TryDispatch(ctx)
		if derr != nil {
			return router.Emission{}, derr
		}
		return router.Emission{Kind: router.EmissionReply, Text: fmt.Sprintf("dispatched %d backlog task(s)", n)}, nil
	})
	a.rt.RegisterSchedulerBuiltin("heartbeat", func(ctx context.Context, u router.Utterance) (router.Emission, error) {
		return router.Emission{Kind: router.EmissionReply, Text: "alive"}, nil
	})
	a.rt.RegisterSchedulerBuiltin("health_probe", func(ctx context.Context, u router.Utterance) (router.Emission, error) {
		return router.Emission{Kind: router.EmissionReply, Text: fmt.Sprintf(
			"agents=%d queued=%d in_flight=%d", a.super.Running(), len(a.queue.ListQueued()), len(a.queue.ListInFlight()),
		)}, nil
	})
	a.rt.RegisterSchedulerBuiltin("memory_flush", func(ctx context.Context, u router.Utterance) (router.Emission, error) {
		if err := a.mem.Save(true); err != nil {
			return router.Emission{}, err
		}
		return router.Emission{Kind: router.EmissionReply, Text: "memory flushed"}, nil
	})

	a.loop.SetFlushHook(func(ctx context.Context) error {
		if err := a.mem.Save(true); err != nil {
			return err
		}
		if err := a.queue.Flush(); err != nil {
			return err
		}
		return a.night.Persist()
	})
	return nil
}

func (a *app) onAgentOutcome(o supervisor.Outcome) {
	a.loop.Submit(func() {
		if o.Success {
			if err := a.queue.CompleteTask(o.TaskID, o.Summary.Summary); err != nil {
				a.logger.Warn("leon: complete task %s: %v", o.TaskID, err)
			}
			a.mem.RecordCompletedTask(o.TaskID, o.Summary.Summary)
		} else {
			if err := a.queue.FailTask(o.TaskID, o.Err); err != nil {
				a.logger.Warn("leon: fail task %s: %v", o.TaskID, err)
			}
		}
		a.night.RecordOutcome(nightmode.Outcome{
			TaskID: o.TaskID, Success: o.Success, Detail: o.Summary.Summary, FinishedAt: time.Now(),
		})
		if werr := a.audit.WriteEvent(map[string]any{
			"kind": "agent_outcome", "task_id": o.TaskID, "success": o.Success, "summary": o.Summary.Summary, "at": time.Now(),
		}); werr != nil {
			a.logger.Warn("leon: write audit event: %v", werr)
		}
		if a.dash != nil {
			errText := ""
			if o.Err != nil {
				errText = o.Err.Error()
			}
			a.dash.BroadcastAgentOutcome(o.TaskID, o.Success, o.Summary.Summary, errText)
		}
	})
}

// registerTicks installs every periodic maintenance job on the mainloop, one
// of which is claiming queued tasks into the supervisor as capacity frees up
// (spec.md §4.4's spawn contract, driven from the same single-owner loop).
func (a *app) registerTicks() {
	a.loop.Every(a.cfg.SupervisorTickInterval, func() {
		a.super.Tick(context.Background(), time.Now())
	})
	a.loop.Every(a.cfg.SupervisorTickInterval, func() {
		for a.super.Running() < a.cfg.MaxConcurrentAgents {
			t, ok := a.queue.Claim()
			if !ok {
				break
			}
			_, err := a.super.Spawn(context.Background(), supervisor.Task{
				ID: t.ID, Brief: t.Brief, ProjectPath: t.ProjectPath, Attempts: t.Attempts,
			})
			if err != nil {
				if err == supervisor.ErrAtCapacity {
					break
				}
				a.logger.Warn("leon: spawn task %s: %v", t.ID, err)
			}
		}
	})
	a.loop.Every(time.Second, func() {
		a.sched.Tick(context.Background(), time.Now())
	})
	a.loop.Every(30*time.Second, func() {
		if _, err := a.night.TryDispatch(context.Background()); err != nil {
			a.logger.Warn("leon: night-mode dispatch: %v", err)
		}
	})
	a.loop.Every(a.cfg.MemoryFlushDebounce, func() {
		if err := a.mem.FlushIfDirty(); err != nil {
			a.logger.Warn("leon: memory flush: %v", err)
		}
	})
}

// startDashboard serves spec.md §6's WebSocket dashboard contract as a
// mainloop daemon, the same shutdown posture as the metrics server.
func (a *app) startDashboard() {
	if a.cfg.DashboardListenAddr == "" {
		return
	}
	a.dash = dashboard.New(a.cfg.DashboardListenAddr, a.cfg.DashboardAuthToken, a.rt, a.logger)
	if a.cfg.ChatBridgeEnabled {
		a.bridge = chatbridge.NewServer(a.rt, a.cfg.ChatBridgeMaxNewMessages, a.logger)
		a.dash.Mount("/bridge/message", a.bridge.Handler())
	}
	done := a.loop.RegisterDaemon(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.dash.Shutdown(shutdownCtx)
	})
	go func() {
		defer done()
		if err := a.dash.Run(); err != nil {
			a.logger.Warn("leon: dashboard server: %v", err)
		}
	}()
}

// startTerminal wires a pkg/terminalio front-end onto the main loop, but
// only when stdin is an actual TTY — running as a service (no controlling
// terminal) silently skips it rather than failing startup.
func (a *app) startTerminal() {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	route := func(ctx context.Context, text string) (string, error) {
		var emission router.Emission
		fut := a.loop.Submit(func() {
			emission = a.rt.Route(ctx, router.Utterance{
				Timestamp: time.Now(), Source: router.SourceCLI, Text: text,
			})
		})
		if err := fut.Wait(ctx); err != nil {
			return "", err
		}
		if emission.Kind == router.EmissionError {
			return "", fmt.Errorf("%s", emission.Text)
		}
		return emission.Text, nil
	}

	t, err := terminalio.New(terminalio.Config{HistoryFile: filepath.Join(a.cfg.PersistenceRoot, "history")}, route, a.logger)
	if err != nil {
		a.logger.Warn("leon: terminal front-end unavailable: %v", err)
		return
	}
	a.term = t
	done := a.loop.RegisterDaemon(func() { a.term.Stop() })
	go func() {
		defer done()
		a.term.Run(context.Background())
	}()
}

// startVoice builds the voice daemon seam described in spec.md §6. No
// speech-to-text/text-to-speech backend is wired in (audio capture/codec
// internals are out of scope), so the daemon's Run is a no-op; it still
// exists so the dashboard's voice_mute/voice_unmute commands and a future
// backend have something real to attach to.
func (a *app) startVoice() {
	a.voice = voice.New(nil, nil, a.loop, a.rt, a.logger)
	if a.dash != nil {
		a.dash.SetVoiceControl(a.voice)
		a.voice.SetVADHandler(a.dash.BroadcastVAD)
	}
	done := a.loop.RegisterDaemon(func() {})
	go func() {
		defer done()
		if err := a.voice.Run(context.Background()); err != nil {
			a.logger.Warn("leon: voice daemon: %v", err)
		}
	}()
}

func (a *app) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	done := a.loop.RegisterDaemon(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	go func() {
		defer done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("leon: metrics server: %v", err)
		}
	}()
}

func (a *app) close() {
	a.super.Stop()
	if a.limiter != nil {
		a.limiter.Close()
	}
	if err := a.sched.Close(); err != nil {
		a.logger.Warn("leon: close scheduler: %v", err)
	}
	if err := a.night.Close(); err != nil {
		a.logger.Warn("leon: close night-mode: %v", err)
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("leon: close task queue: %v", err)
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("leon: close audit log: %v", err)
		}
	}
}

// taskQueueEnqueuerAdapter bridges pkg/taskqueue.Queue's real Enqueue
// signature (Kind, no error return) to pkg/nightmode.Enqueuer's narrower
// interface (string kind, error return) — the two packages are deliberately
// decoupled, so this small translation lives at the composition root rather
// than in either package.
type taskQueueEnqueuerAdapter struct {
	queue *taskqueue.Queue
}

func (t taskQueueEnqueuerAdapter) Enqueue(kind, brief, projectPath string) (string, error) {
	return t.queue.Enqueue(taskqueue.Kind(kind), brief, projectPath), nil
}

// supervisorCapacityAdapter bridges the supervisor's and task queue's own
// counters into pkg/nightmode.Capacity.
type supervisorCapacityAdapter struct {
	super   *supervisor.Supervisor
	queue   *taskqueue.Queue
	ceiling int
}

func (s supervisorCapacityAdapter) Running() int  { return s.super.Running() }
func (s supervisorCapacityAdapter) InFlight() int { return len(s.queue.ListInFlight()) }
func (s supervisorCapacityAdapter) Ceiling() int  { return s.ceiling }

// buildProviderChain assembles the LM failover chain in spec.md §4.7's
// default order — primary-cloud, secondary-cloud, local-inference,
// external-cli — including only the providers whose credentials/endpoints
// are actually configured.
func buildProviderChain(cfg config.Config, logger *logx.Logger, localExec execpkg.Executor) (*llm.ProviderChain, *limiter.Limiter) {
	var providers []llm.Provider
	if cfg.Providers.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewClientProvider("anthropic", anthropic.NewClaudeClient(cfg.Providers.AnthropicAPIKey)))
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewClientProvider("openai", openai.NewOfficialClient(cfg.Providers.OpenAIAPIKey)))
	}
	if cfg.Providers.GoogleAPIKey != "" {
		providers = append(providers, llm.NewClientProvider("google", google.NewGeminiClientWithModel(cfg.Providers.GoogleAPIKey, config.ModelGeminiFlashLatest)))
	}
	if cfg.Providers.OllamaHost != "" {
		providers = append(providers, llm.NewClientProvider("ollama", ollama.NewOllamaClientWithModel(cfg.Providers.OllamaHost, config.ModelOllamaDefault)))
	}
	providers = append(providers, llm.NewCLIProvider(cfg.CodingCLIPath, localExec, llm.KindChat, llm.KindQuick))

	rateLimiter := limiter.NewDefaultLimiter()
	chain := llm.NewProviderChain(logger, 45*time.Second, providers...).WithOptions(llm.WithLimiter(rateLimiter))
	return chain, rateLimiter
}

func printStatus(configPath string) error {
	if err := config.Load(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := config.Get()
	logger := logx.NewLogger("leon-status")

	q, err := taskqueue.Open(filepath.Join(cfg.PersistenceRoot, "tasks.json"), logger)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer q.Close()

	night, err := nightmode.Open(filepath.Join(cfg.PersistenceRoot, "night_backlog.json"), logger)
	if err != nil {
		return fmt.Errorf("open night-mode dispatcher: %w", err)
	}
	defer night.Close()

	fmt.Printf("persistence root: %s\n", cfg.PersistenceRoot)
	fmt.Printf("queued tasks:     %d\n", len(q.ListQueued()))
	fmt.Printf("in-flight tasks:  %d\n", len(q.ListInFlight()))
	fmt.Printf("night-mode:       enabled=%v backlog=%d\n", cfg.NightModeEnabled, len(night.Backlog()))
	return nil
}
