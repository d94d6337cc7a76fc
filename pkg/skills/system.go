package skills

import (
	"context"
	"fmt"
	"strings"

	execpkg "github.com/leon-ai/leon/pkg/exec"
)

// cliSkill is a thin wrapper that shells a single well-known system
// utility with a fixed argv template, used by the small system-control
// skills the router's keyword pre-router targets directly (spec.md §4.2
// step 3: "volume up", "screenshot", "next track", "open <known-app>").
type cliSkill struct {
	name     string
	executor execpkg.Executor
	build    func(args map[string]string) ([]string, error)
}

func (c *cliSkill) Name() string { return c.name }

func (c *cliSkill) Invoke(ctx context.Context, args map[string]string) (string, error) {
	argv, err := c.build(args)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	opts := execpkg.DefaultExecOpts()
	result, err := c.executor.Run(ctx, argv, &opts)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.name, err)
	}
	if result.ExitCode != 0 {
		return result.Stdout, fmt.Errorf("%s: exited %d: %s", c.name, result.ExitCode, result.Stderr)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// DesktopAppAllowList is the explicit set of tokens the router's "open
// <known-app>" keyword pattern consults; an unknown app falls through to
// step 5 of routing rather than reaching this skill (spec.md §4.2 step 3).
var DesktopAppAllowList = map[string]string{
	"browser":  "firefox",
	"terminal": "x-terminal-emulator",
	"files":    "nautilus",
	"mail":     "thunderbird",
	"editor":   "code",
}

// NewOpenApp opens a desktop application token from DesktopAppAllowList.
func NewOpenApp(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "open_app",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			bin, ok := DesktopAppAllowList[args["app"]]
			if !ok {
				return nil, fmt.Errorf("app %q is not on the allow-list", args["app"])
			}
			return []string{bin}, nil
		},
	}
}

// NewReadClipboard reads the X11 clipboard via xclip.
func NewReadClipboard(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "read_clipboard",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			return []string{"xclip", "-selection", "clipboard", "-o"}, nil
		},
	}
}

// NewTakeScreenshot captures the screen to a path via scrot.
func NewTakeScreenshot(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "take_screenshot",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			path := args["path"]
			if path == "" {
				path = "/tmp/leon-screenshot.png"
			}
			return []string{"scrot", path}, nil
		},
	}
}

// NewVolumeControl adjusts system volume up/down/mute via amixer.
func NewVolumeControl(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "volume_control",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			switch args["direction"] {
			case "up":
				return []string{"amixer", "set", "Master", "5%+"}, nil
			case "down":
				return []string{"amixer", "set", "Master", "5%-"}, nil
			case "mute":
				return []string{"amixer", "set", "Master", "toggle"}, nil
			default:
				return nil, fmt.Errorf("unknown direction %q", args["direction"])
			}
		},
	}
}

// NewMediaControl drives the active media player via playerctl.
func NewMediaControl(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "media_control",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			switch args["action"] {
			case "next", "previous", "play-pause", "stop":
				return []string{"playerctl", args["action"]}, nil
			default:
				return nil, fmt.Errorf("unknown media action %q", args["action"])
			}
		},
	}
}

// NewSystemMetric queries a small whitelisted set of system metrics.
func NewSystemMetric(executor execpkg.Executor) Skill {
	return &cliSkill{
		name:     "query_system_metric",
		executor: executor,
		build: func(args map[string]string) ([]string, error) {
			switch args["metric"] {
			case "battery":
				return []string{"acpi", "-b"}, nil
			case "disk":
				return []string{"df", "-h", "/"}, nil
			case "uptime":
				return []string{"uptime"}, nil
			default:
				return nil, fmt.Errorf("unknown metric %q", args["metric"])
			}
		},
	}
}

// RegisterSystemSkills installs every system-control skill into r.
func RegisterSystemSkills(r *Registry, executor execpkg.Executor) {
	r.Register(NewOpenApp(executor))
	r.Register(NewReadClipboard(executor))
	r.Register(NewTakeScreenshot(executor))
	r.Register(NewVolumeControl(executor))
	r.Register(NewMediaControl(executor))
	r.Register(NewSystemMetric(executor))
}
