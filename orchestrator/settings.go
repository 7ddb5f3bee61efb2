package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/lol-autostream/accounts"
	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/monitor"
	"github.com/onnwee/lol-autostream/store"
)

// ErrInvalidSettings is returned by SaveSettings for values that cannot be applied.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the runtime-editable options, persisted under store.KeySettings.
type Settings struct {
	OBSAddress          string `json:"obsAddress"`
	OBSPassword         string `json:"obsPassword,omitempty"`
	TitleTemplate       string `json:"titleTemplate"`
	Category            string `json:"category"`
	TwitchChannel       string `json:"twitchChannel,omitempty"`
	AutoStart           bool   `json:"autoStart"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

// DefaultSettings seeds settings from the environment configuration.
func DefaultSettings(cfg *config.Config) Settings {
	return Settings{
		OBSAddress:          cfg.OBSAddress,
		OBSPassword:         cfg.OBSPassword,
		TitleTemplate:       cfg.TitleTemplate,
		Category:            cfg.StreamCategory,
		TwitchChannel:       cfg.TwitchChannel,
		AutoStart:           cfg.AutoStart,
		PollIntervalSeconds: int(cfg.PollInterval.Seconds()),
	}
}

func (s Settings) normalize() (Settings, error) {
	s.OBSAddress = strings.TrimSpace(s.OBSAddress)
	s.TitleTemplate = strings.TrimSpace(s.TitleTemplate)
	s.Category = strings.TrimSpace(s.Category)
	s.TwitchChannel = strings.ToLower(strings.TrimSpace(s.TwitchChannel))
	if s.OBSAddress == "" {
		s.OBSAddress = config.DefaultOBSAddress
	}
	if s.TitleTemplate == "" {
		s.TitleTemplate = config.DefaultTitleTemplate
	}
	if s.Category == "" {
		s.Category = config.DefaultCategory
	}
	if s.PollIntervalSeconds < 0 {
		return s, fmt.Errorf("%w: poll interval must not be negative", ErrInvalidSettings)
	}
	if s.PollIntervalSeconds == 0 {
		s.PollIntervalSeconds = int(monitor.DefaultPollInterval.Seconds())
	}
	return s, nil
}

// loadSettings overlays the stored document on defaults.
func loadSettings(ctx context.Context, kv store.KV, defaults Settings) (Settings, error) {
	out := defaults
	raw, err := kv.Get(ctx, store.KeySettings)
	if errors.Is(err, store.ErrNotFound) {
		return out.normalize()
	}
	if err != nil {
		return defaults, fmt.Errorf("load settings: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return defaults, fmt.Errorf("decode settings: %w", err)
	}
	return out.normalize()
}

func saveSettings(ctx context.Context, kv store.KV, s Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := kv.Put(ctx, store.KeySettings, raw); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// RenderTitle fills {summonerName}, {region} and {gameMode} in template.
func RenderTitle(template string, acct accounts.TrackedAccount, match monitor.MatchSession) string {
	mode := match.GameMode
	if mode == "" {
		mode = "Classic"
	}
	r := strings.NewReplacer(
		"{summonerName}", acct.DisplayName(),
		"{region}", acct.Region,
		"{gameMode}", mode,
	)
	return r.Replace(template)
}
