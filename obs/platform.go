package obs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// ErrUnsupported is returned by capabilities a platform does not have.
var ErrUnsupported = errors.New("not supported on this platform")

// InputCreator is the part of the OBS session a Platform needs to build sources.
type InputCreator interface {
	CreateInput(ctx context.Context, scene, name, kind string, settings map[string]any) error
	InputKinds(ctx context.Context) ([]string, error)
}

// SpectatorTarget identifies the match to open in the game client's spectator mode.
type SpectatorTarget struct {
	MatchID     string
	ObserverKey string
	Region      string // platform code, e.g. NA1
	Handle      string
}

// Platform is the OS-specific capability set of the controller.
type Platform interface {
	Name() string
	// CreateCaptureSource adds a capture input for the game window to scene,
	// trying native capture before generic display/window capture.
	CreateCaptureSource(ctx context.Context, in InputCreator, scene, name string) error
	// PlaceholderKind is the text source kind used when capture cannot be set up.
	PlaceholderKind() string
	LaunchSpectator(ctx context.Context, t SpectatorTarget) error
}

// Runner starts a detached process in dir.
type Runner func(dir, name string, args ...string) error

func startDetached(dir, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// PlatformFor returns the capability set for goos. gameDir overrides the
// default League of Legends install location; run defaults to starting a
// detached process.
func PlatformFor(goos, gameDir string, run Runner) Platform {
	if run == nil {
		run = startDetached
	}
	switch goos {
	case "windows":
		if gameDir == "" {
			gameDir = `C:\Riot Games\League of Legends\Game`
		}
		return &windowsPlatform{gameDir: gameDir, run: run}
	case "darwin":
		if gameDir == "" {
			gameDir = "/Applications/League of Legends.app/Contents/LoL/Game"
		}
		return &darwinPlatform{gameDir: gameDir, run: run}
	default:
		return &linuxPlatform{}
	}
}

type captureCandidate struct {
	kind     string
	settings map[string]any
}

// createFirst creates the first candidate OBS reports as available.
func createFirst(ctx context.Context, in InputCreator, scene, name string, candidates []captureCandidate) error {
	kinds, err := in.InputKinds(ctx)
	if err != nil {
		slog.Debug("input kind list unavailable, trying all capture kinds", slog.Any("err", err), slog.String("component", "obs"))
		kinds = nil
	}
	var errs []error
	for _, cand := range candidates {
		if kinds != nil && !slices.Contains(kinds, cand.kind) {
			errs = append(errs, fmt.Errorf("%s: input kind not available", cand.kind))
			continue
		}
		err := in.CreateInput(ctx, scene, name, cand.kind, cand.settings)
		if err == nil || IsAlreadyExists(err) {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", cand.kind, err))
	}
	return fmt.Errorf("no capture source could be created: %w", errors.Join(errs...))
}

// spectatorArg is the game client's spectate launch argument.
func spectatorArg(t SpectatorTarget) (string, error) {
	if t.MatchID == "" || t.ObserverKey == "" || t.Region == "" {
		return "", errors.New("spectator launch needs match id, observer key and region")
	}
	host := strings.ToLower(t.Region)
	return fmt.Sprintf("spectator spectator-consumer.%s.lol.pvp.net:80 %s %s %s", host, t.ObserverKey, t.MatchID, strings.ToUpper(t.Region)), nil
}

const leagueWindow = "League of Legends (TM) Client:RiotWindowClass:League of Legends.exe"

type windowsPlatform struct {
	gameDir string
	run     Runner
}

func (p *windowsPlatform) Name() string            { return "windows" }
func (p *windowsPlatform) PlaceholderKind() string { return "text_gdiplus_v2" }

func (p *windowsPlatform) CreateCaptureSource(ctx context.Context, in InputCreator, scene, name string) error {
	return createFirst(ctx, in, scene, name, []captureCandidate{
		{kind: "game_capture", settings: map[string]any{"capture_mode": "window", "window": leagueWindow, "priority": 2}},
		{kind: "window_capture", settings: map[string]any{"window": leagueWindow, "method": 2}},
		{kind: "monitor_capture", settings: map[string]any{"monitor": 0}},
	})
}

func (p *windowsPlatform) LaunchSpectator(_ context.Context, t SpectatorTarget) error {
	arg, err := spectatorArg(t)
	if err != nil {
		return err
	}
	exe := filepath.Join(p.gameDir, "League of Legends.exe")
	return p.run(p.gameDir, exe, arg, "-UseRads", "-Locale=en_US", "-GameBaseDir="+filepath.Dir(p.gameDir), "-SkipRads", "-SkipBuild", "-EnableLNP")
}

type darwinPlatform struct {
	gameDir string
	run     Runner
}

func (p *darwinPlatform) Name() string            { return "darwin" }
func (p *darwinPlatform) PlaceholderKind() string { return "text_ft2_source_v2" }

func (p *darwinPlatform) CreateCaptureSource(ctx context.Context, in InputCreator, scene, name string) error {
	return createFirst(ctx, in, scene, name, []captureCandidate{
		{kind: "screen_capture", settings: map[string]any{"type": 1, "application": "com.riotgames.LeagueofLegends.GameClient"}},
		{kind: "display_capture", settings: map[string]any{"display": 0}},
	})
}

func (p *darwinPlatform) LaunchSpectator(_ context.Context, t SpectatorTarget) error {
	arg, err := spectatorArg(t)
	if err != nil {
		return err
	}
	exe := filepath.Join(p.gameDir, "LeagueofLegends.app", "Contents", "MacOS", "LeagueofLegends")
	return p.run(p.gameDir, exe, arg, "-UseRads", "-Locale=en_US", "-GameBaseDir="+filepath.Dir(p.gameDir))
}

// linuxPlatform captures the screen; there is no native game client to launch.
type linuxPlatform struct{}

func (p *linuxPlatform) Name() string            { return "linux" }
func (p *linuxPlatform) PlaceholderKind() string { return "text_ft2_source_v2" }

func (p *linuxPlatform) CreateCaptureSource(ctx context.Context, in InputCreator, scene, name string) error {
	return createFirst(ctx, in, scene, name, []captureCandidate{
		{kind: "pipewire-window-capture-source", settings: map[string]any{}},
		{kind: "xcomposite_input", settings: map[string]any{"capture_window": "League of Legends"}},
		{kind: "pipewire-screen-capture-source", settings: map[string]any{}},
		{kind: "xshm_input", settings: map[string]any{"screen": 0}},
	})
}

func (p *linuxPlatform) LaunchSpectator(context.Context, SpectatorTarget) error {
	return fmt.Errorf("spectator launch: %w", ErrUnsupported)
}
