package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/lol-autostream/telemetry"
)

// Defaults for Options.
const (
	DefaultSceneName   = "League of Legends"
	DefaultSourceName  = "League Game"
	DefaultSettleDelay = 3 * time.Second

	placeholderText = "Configure game capture manually: no capture source could be created for this system"
)

// ConnectionState is the controller's view of OBS, updated only from
// confirmed responses and StreamStateChanged events.
type ConnectionState struct {
	Connected bool   `json:"connected"`
	Streaming bool   `json:"streaming"`
	MatchID   string `json:"matchId,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Options configures a Controller.
type Options struct {
	SceneName   string
	SourceName  string
	SettleDelay time.Duration
	// RequestTimeout bounds each obs request; zero means 10s.
	RequestTimeout time.Duration
	Platform       Platform
	Clock          clockwork.Clock
	// OnStateChange is called outside the controller lock after every state change.
	OnStateChange func(ConnectionState)
}

// Controller owns one OBS session. Callers serialize StartOutput/StopOutput.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	client *Client
	state  ConnectionState
}

// NewController returns a disconnected controller.
func NewController(opts Options) *Controller {
	if opts.SceneName == "" {
		opts.SceneName = DefaultSceneName
	}
	if opts.SourceName == "" {
		opts.SourceName = DefaultSourceName
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Platform == nil {
		opts.Platform = &linuxPlatform{}
	}
	return &Controller{opts: opts, log: slog.Default().With(slog.String("component", "obs"))}
}

// candidates returns the websocket URLs to try for address: the normalized
// address first, then IPv6 loopback forms when it names the local host.
func candidates(address string) ([]string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrUnreachable)
	}
	if !strings.HasPrefix(address, "ws://") && !strings.HasPrefix(address, "wss://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid address %q", ErrUnreachable, address)
	}
	out := []string{u.String()}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return out, nil
	}
	port := u.Port()
	for _, alt := range []string{"::1", "::ffff:127.0.0.1"} {
		v := *u
		if port != "" {
			v.Host = net.JoinHostPort(alt, port)
		} else {
			v.Host = "[" + alt + "]"
		}
		out = append(out, v.String())
	}
	return out, nil
}

// Connect opens a session to address, replacing any existing one. A wrong
// password fails immediately; transport failures try the loopback variants.
func (c *Controller) Connect(ctx context.Context, address, password string) error {
	urls, err := candidates(address)
	if err != nil {
		return err
	}
	c.Disconnect()

	var client *Client
	var errs []error
	for _, u := range urls {
		client, err = Dial(ctx, u, password, c.handleEvent)
		if err == nil {
			break
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		c.log.Debug("obs connect attempt failed", slog.String("url", u), slog.Any("err", err))
		errs = append(errs, err)
	}
	if client == nil {
		return fmt.Errorf("connect %s: %w", address, errors.Join(errs...))
	}

	var status struct {
		OutputActive bool `json:"outputActive"`
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := client.Call(rctx, "GetStreamStatus", nil, &status); err != nil {
		_ = client.Close()
		return fmt.Errorf("query stream status: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.state = ConnectionState{Connected: true, Streaming: status.OutputActive, Address: address}
	st := c.state
	c.mu.Unlock()
	telemetry.SetOutputActive(st.Streaming)
	c.log.Info("connected to obs", slog.String("address", address), slog.Bool("streaming", st.Streaming))
	c.changed(st)

	go c.watch(client)
	return nil
}

// watch marks the controller disconnected when client's socket ends.
func (c *Controller) watch(client *Client) {
	<-client.Done()
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.client = nil
	c.state = ConnectionState{Address: c.state.Address}
	st := c.state
	c.mu.Unlock()
	c.log.Warn("obs connection lost", slog.String("address", st.Address))
	c.changed(st)
}

func (c *Controller) handleEvent(eventType string, data json.RawMessage) {
	if eventType != "StreamStateChanged" {
		return
	}
	var ev struct {
		OutputActive bool   `json:"outputActive"`
		OutputState  string `json:"outputState"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		c.log.Warn("malformed StreamStateChanged event", slog.Any("err", err))
		return
	}
	c.mu.Lock()
	if c.state.Streaming == ev.OutputActive {
		c.mu.Unlock()
		return
	}
	c.state.Streaming = ev.OutputActive
	if !ev.OutputActive {
		c.state.MatchID = ""
	}
	st := c.state
	c.mu.Unlock()
	telemetry.SetOutputActive(st.Streaming)
	c.log.Info("stream state changed", slog.Bool("streaming", st.Streaming), slog.String("state", ev.OutputState))
	c.changed(st)
}

func (c *Controller) changed(st ConnectionState) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(st)
	}
}

// Disconnect closes the session. Safe to call when not connected.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	wasConnected := c.state.Connected
	c.state = ConnectionState{Address: c.state.Address}
	st := c.state
	c.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
	if wasConnected {
		c.log.Info("disconnected from obs")
		c.changed(st)
	}
}

// Status returns a snapshot of the connection state.
func (c *Controller) Status() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) session() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Controller) call(ctx context.Context, client *Client, requestType string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return client.Call(ctx, requestType, in, out)
}

// inputs adapts a session to InputCreator.
type inputs struct {
	c      *Controller
	client *Client
}

func (in inputs) CreateInput(ctx context.Context, scene, name, kind string, settings map[string]any) error {
	return in.c.call(ctx, in.client, "CreateInput", map[string]any{
		"sceneName":        scene,
		"inputName":        name,
		"inputKind":        kind,
		"inputSettings":    settings,
		"sceneItemEnabled": true,
	}, nil)
}

func (in inputs) InputKinds(ctx context.Context) ([]string, error) {
	var resp struct {
		InputKinds []string `json:"inputKinds"`
	}
	if err := in.c.call(ctx, in.client, "GetInputKindList", map[string]any{"unversioned": false}, &resp); err != nil {
		return nil, err
	}
	return resp.InputKinds, nil
}

// EnsureCaptureScene creates and selects the capture scene and makes sure it
// holds the game source. Source creation failures degrade to a placeholder
// text source; only scene-level failures are returned.
func (c *Controller) EnsureCaptureScene(ctx context.Context) error {
	client, err := c.session()
	if err != nil {
		return err
	}
	scene, source := c.opts.SceneName, c.opts.SourceName

	var list struct {
		Scenes []struct {
			SceneName string `json:"sceneName"`
		} `json:"scenes"`
	}
	if err := c.call(ctx, client, "GetSceneList", nil, &list); err != nil {
		return fmt.Errorf("list scenes: %w", err)
	}
	exists := false
	for _, s := range list.Scenes {
		if s.SceneName == scene {
			exists = true
			break
		}
	}
	if !exists {
		if err := c.call(ctx, client, "CreateScene", map[string]any{"sceneName": scene}, nil); err != nil && !IsAlreadyExists(err) {
			return fmt.Errorf("create scene %q: %w", scene, err)
		}
		c.log.Info("created capture scene", slog.String("scene", scene))
	}
	if err := c.call(ctx, client, "SetCurrentProgramScene", map[string]any{"sceneName": scene}, nil); err != nil {
		return fmt.Errorf("switch to scene %q: %w", scene, err)
	}

	var items struct {
		SceneItems []struct {
			SourceName string `json:"sourceName"`
		} `json:"sceneItems"`
	}
	if err := c.call(ctx, client, "GetSceneItemList", map[string]any{"sceneName": scene}, &items); err != nil {
		c.log.Debug("scene item list unavailable, treating scene as empty", slog.Any("err", err))
	}
	for _, it := range items.SceneItems {
		if it.SourceName == source {
			return nil
		}
	}

	in := inputs{c: c, client: client}
	err = c.opts.Platform.CreateCaptureSource(ctx, in, scene, source)
	if err == nil {
		c.log.Info("created capture source", slog.String("source", source), slog.String("platform", c.opts.Platform.Name()))
		return nil
	}
	c.log.Warn("capture source setup failed, adding placeholder", slog.Any("err", err))
	perr := in.CreateInput(ctx, scene, source, c.opts.Platform.PlaceholderKind(), map[string]any{"text": placeholderText})
	if perr != nil && !IsAlreadyExists(perr) {
		c.log.Warn("placeholder source could not be created", slog.Any("err", perr))
	}
	return nil
}

// LaunchSpectator starts the game client in spectator mode for t. It is best
// effort: failures are logged and reported as false.
func (c *Controller) LaunchSpectator(ctx context.Context, t SpectatorTarget) bool {
	if err := c.opts.Platform.LaunchSpectator(ctx, t); err != nil {
		c.log.Warn("spectator launch failed", slog.String("match", t.MatchID), slog.String("handle", t.Handle), slog.Any("err", err))
		return false
	}
	c.log.Info("spectator launched", slog.String("match", t.MatchID), slog.String("handle", t.Handle))
	return true
}

// outputActive asks OBS for the stream status, falling back to the cached
// state when the query fails.
func (c *Controller) outputActive(ctx context.Context, client *Client) bool {
	var status struct {
		OutputActive bool `json:"outputActive"`
	}
	if err := c.call(ctx, client, "GetStreamStatus", nil, &status); err != nil {
		c.log.Debug("stream status query failed, using cached state", slog.Any("err", err))
		return c.Status().Streaming
	}
	c.setStreaming(status.OutputActive, "", false)
	return status.OutputActive
}

func (c *Controller) setStreaming(on bool, matchID string, setMatch bool) {
	c.mu.Lock()
	changed := c.state.Streaming != on || (setMatch && c.state.MatchID != matchID)
	c.state.Streaming = on
	if setMatch {
		c.state.MatchID = matchID
	}
	if !on {
		c.state.MatchID = ""
	}
	st := c.state
	c.mu.Unlock()
	telemetry.SetOutputActive(on)
	if changed {
		c.changed(st)
	}
}

// StartOutput prepares the scene, optionally launches the spectator for
// target, waits for the settle delay and starts streaming. It is a no-op
// when the output is already active.
func (c *Controller) StartOutput(ctx context.Context, target *SpectatorTarget) error {
	client, err := c.session()
	if err != nil {
		return err
	}
	if c.outputActive(ctx, client) {
		c.log.Debug("output already active")
		return nil
	}
	if err := c.EnsureCaptureScene(ctx); err != nil {
		c.log.Warn("capture scene setup failed, starting output anyway", slog.Any("err", err))
	}
	matchID := ""
	if target != nil {
		matchID = target.MatchID
		c.LaunchSpectator(ctx, *target)
	}
	if d := c.opts.SettleDelay; d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.opts.Clock.After(d):
		}
	}
	if err := c.call(ctx, client, "StartStream", nil, nil); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	c.setStreaming(true, matchID, true)
	c.log.Info("output started", slog.String("match", matchID))
	return nil
}

// StopOutput stops streaming; a no-op when the output is already inactive.
func (c *Controller) StopOutput(ctx context.Context) error {
	client, err := c.session()
	if err != nil {
		return err
	}
	if !c.outputActive(ctx, client) {
		c.log.Debug("output already inactive")
		return nil
	}
	if err := c.call(ctx, client, "StopStream", nil, nil); err != nil {
		return fmt.Errorf("stop stream: %w", err)
	}
	c.setStreaming(false, "", true)
	c.log.Info("output stopped")
	return nil
}
