// Command lol-autostream watches tracked League of Legends accounts and runs
// the broadcast while one of them is in a match. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured store (file, memory, redis or postgres with migrations).
//   - Wires the Riot client, account monitor, OBS controller, Twitch metadata
//     updater and the optional YouTube title mirror and chat announcer.
//   - Starts the OAuth token refreshers and the HTTP control API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/chat"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/crypto"
	"github.com/onnwee/lol-autostream/db"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/oauth"
	"github.com/onnwee/lol-autostream/obs"
	"github.com/onnwee/lol-autostream/orchestrator"
	"github.com/onnwee/lol-autostream/riotapi"
	"github.com/onnwee/lol-autostream/server"
	"github.com/onnwee/lol-autostream/telemetry"
	"github.com/onnwee/lol-autostream/twitchapi"
	"github.com/onnwee/lol-autostream/youtubeapi"
)

const version = "1.0.0"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("lol-autostream", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	enc, err := crypto.FromEnv()
	switch {
	case errors.Is(err, crypto.ErrNoKey):
		slog.Warn("ENCRYPTION_KEY not set, oauth tokens are stored in plaintext", slog.String("component", "store"))
	case err != nil:
		return err
	}
	var tokenEnc crypto.Encryptor
	if enc != nil {
		tokenEnc = enc
	}

	backend, err := db.OpenBackend(ctx, cfg, tokenEnc)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	bus := orchestrator.NewBus()
	defer bus.Close()

	riot := riotapi.NewClient(cfg.RiotAPIKey)
	if !riot.HasCredential() {
		slog.Warn("RIOT_API_KEY not set, monitoring is unavailable until it is configured", slog.String("component", "riot"))
	}
	mon := monitor.New(riot, monitor.Options{
		PollInterval: cfg.PollInterval,
		VerifyDelay:  cfg.VerifyDelay,
		CacheTTL:     cfg.VerifyCacheTTL,
		LiveWindow:   cfg.LiveWindow,
		ProbeRegion:  cfg.ProbeRegion,
		OnStatus:     func(s monitor.Status) { bus.Publish(orchestrator.EventMonitorStatus, s) },
		OnFatal: func(err error) {
			slog.Error("monitoring stopped", slog.String("component", "monitor"), slog.Any("err", err))
		},
	})

	controller := obs.NewController(obs.Options{
		SceneName:     cfg.OBSSceneName,
		SourceName:    cfg.OBSSourceName,
		SettleDelay:   cfg.OBSSettleDelay,
		Platform:      obs.PlatformFor(runtime.GOOS, cfg.GameDir, nil),
		OnStateChange: func(s obs.ConnectionState) { bus.Publish(orchestrator.EventOBSStatus, s) },
	})
	defer controller.Disconnect()

	opts := orchestrator.Options{
		Config:   cfg,
		KV:       backend.KV,
		Accounts: accounts.NewRepository(backend.KV),
		Monitor:  mon,
		Resolver: riot,
		OBS:      controller,
		Bus:      bus,
	}

	if cfg.TwitchConfigured() {
		updater := twitchapi.New(twitchapi.Options{
			ClientID:      cfg.TwitchClientID,
			ClientSecret:  cfg.TwitchClientSecret,
			Channel:       cfg.TwitchChannel,
			RedirectURI:   cfg.TwitchRedirectURI,
			Scopes:        cfg.Scopes(),
			Store:         backend.Tokens,
			OnStateChange: func(s twitchapi.Status) { bus.Publish(orchestrator.EventTwitchStatus, s) },
		})
		opts.Twitch = updater
		oauth.StartRefresher(ctx, backend.Tokens, "twitch", 5*time.Minute, 15*time.Minute, updater.RefreshWith)
	} else {
		slog.Info("twitch metadata updates disabled (TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set)", slog.String("component", "twitch"))
	}

	var yt *youtubeapi.Service
	if cfg.YouTubeConfigured() {
		yt = youtubeapi.New(cfg, backend.Tokens)
		opts.YouTube = yt
		oauth.StartRefresher(ctx, backend.Tokens, "youtube", 10*time.Minute, 20*time.Minute, yt.RefreshWith)
	}

	if cfg.ChatAnnounce {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Warn("chat announcements disabled", slog.String("component", "chat"), slog.Any("err", err))
		} else {
			announcer := chat.NewAnnouncer(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannel)
			go announcer.Run(ctx)
			opts.Chat = announcer
		}
	}

	orch, err := orchestrator.New(ctx, opts)
	if err != nil {
		return err
	}
	defer mon.Stop()

	if cfg.AutoStart || orch.Settings().AutoStart {
		if err := orch.StartMonitoring(ctx); err != nil {
			slog.Warn("auto start skipped", slog.String("component", "monitor"), slog.Any("err", err))
		}
	}

	deps := server.Deps{Config: cfg, App: orch, KV: backend.KV}
	if yt != nil {
		deps.YouTube = yt
	}
	return server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps))
}
