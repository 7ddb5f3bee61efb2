// Package obs drives OBS Studio through the obs-websocket v5 protocol.
//
// Client is the raw request/response RPC with event delivery. Controller
// builds the broadcast session on top of it: connect with loopback fallbacks,
// idempotent capture-scene setup, spectator launch and output toggling.
package obs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/lol-autostream/telemetry"
)

var (
	// ErrAuthFailed means OBS rejected the websocket password.
	ErrAuthFailed = errors.New("obs websocket authentication failed")
	// ErrUnreachable means no websocket connection could be established.
	ErrUnreachable = errors.New("obs websocket unreachable")
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("not connected to obs")
	// ErrClosed is returned for requests pending when the connection dropped.
	ErrClosed = errors.New("obs connection closed")
)

// RequestError is a failed obs-websocket request (the protocol's request status).
type RequestError struct {
	Type    string
	Code    int
	Comment string
}

func (e *RequestError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("obs %s failed (%d): %s", e.Type, e.Code, e.Comment)
	}
	return fmt.Sprintf("obs %s failed (%d)", e.Type, e.Code)
}

// obs-websocket request status codes used here.
const (
	codeResourceNotFound      = 600
	codeResourceAlreadyExists = 601
	closeAuthFailed           = 4009
)

// IsNotFound reports whether err is an obs ResourceNotFound response.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == codeResourceNotFound
}

// IsAlreadyExists reports whether err is an obs ResourceAlreadyExists response.
func IsAlreadyExists(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == codeResourceAlreadyExists
}

const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7

	rpcVersion = 1
	// subscribe to the Outputs event category only
	subscribeOutputs = 1 << 6

	handshakeTimeout = 5 * time.Second
	writeWait        = 5 * time.Second
)

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type responseData struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

type eventData struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

// EventHandler receives obs events on the client's read goroutine.
type EventHandler func(eventType string, data json.RawMessage)

// Client is one identified obs-websocket session.
type Client struct {
	conn    *websocket.Conn
	onEvent EventHandler
	log     *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan responseData
	closed   chan struct{}
	closeErr error
}

// authResponse computes the v5 challenge response.
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	resp := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(resp[:])
}

// Dial connects to url, completes the Hello/Identify handshake and starts
// reading. Transport failures wrap ErrUnreachable; a rejected password is ErrAuthFailed.
func Dial(ctx context.Context, url, password string, onEvent EventHandler) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"obswebsocket.json"},
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
	}
	c := &Client{
		conn:    conn,
		onEvent: onEvent,
		log:     slog.Default().With(slog.String("component", "obs")),
		pending: make(map[string]chan responseData),
		closed:  make(chan struct{}),
	}
	if err := c.handshake(ctx, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, password string) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	var hello helloData
	if err := c.expect(opHello, &hello); err != nil {
		return err
	}
	ident := identifyData{RPCVersion: rpcVersion, EventSubscriptions: subscribeOutputs}
	if hello.Authentication != nil {
		if password == "" {
			return fmt.Errorf("%w: server requires a password", ErrAuthFailed)
		}
		ident.Authentication = authResponse(password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := c.write(opIdentify, ident); err != nil {
		return fmt.Errorf("%w: identify: %v", ErrUnreachable, err)
	}
	return c.expect(opIdentified, nil)
}

// expect reads one message and requires it to carry op.
func (c *Client) expect(op int, out any) error {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, closeAuthFailed) {
			return ErrAuthFailed
		}
		return fmt.Errorf("%w: handshake: %v", ErrUnreachable, err)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: malformed handshake message: %v", ErrUnreachable, err)
	}
	if env.Op != op {
		return fmt.Errorf("%w: expected op %d, got %d", ErrUnreachable, op, env.Op)
	}
	if out != nil {
		if err := json.Unmarshal(env.D, out); err != nil {
			return fmt.Errorf("%w: decode op %d: %v", ErrUnreachable, op, err)
		}
	}
	return nil
}

func (c *Client) write(op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b, err := json.Marshal(envelope{Op: op, D: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(b, &env); err != nil {
			c.log.Warn("dropping malformed obs message", slog.Any("err", err))
			continue
		}
		switch env.Op {
		case opRequestResponse:
			var resp responseData
			if err := json.Unmarshal(env.D, &resp); err != nil {
				c.log.Warn("dropping malformed obs response", slog.Any("err", err))
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case opEvent:
			var ev eventData
			if err := json.Unmarshal(env.D, &ev); err != nil {
				c.log.Warn("dropping malformed obs event", slog.Any("err", err))
				continue
			}
			if c.onEvent != nil {
				c.onEvent(ev.EventType, ev.EventData)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.closeErr = err
	close(c.closed)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.closed }

// Call sends a request and decodes the response data into out (which may be nil).
func (c *Client) Call(ctx context.Context, requestType string, in, out any) (err error) {
	defer func() { telemetry.ObserveOBSRequest(requestType, err) }()

	id := uuid.NewString()
	ch := make(chan responseData, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(opRequest, requestData{RequestType: requestType, RequestID: id, RequestData: in}); err != nil {
		return fmt.Errorf("send %s: %w", requestType, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("%s: %w", requestType, ErrClosed)
	case resp := <-ch:
		if !resp.RequestStatus.Result {
			return &RequestError{Type: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("decode %s response: %w", requestType, err)
			}
		}
		return nil
	}
}

// Close sends a normal close frame and tears down the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}
