package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeOBS speaks enough obs-websocket v5 for the controller tests.
type fakeOBS struct {
	t        *testing.T
	srv      *httptest.Server
	password string

	mu        sync.Mutex
	streaming bool
	scenes    []string
	current   string
	items     map[string][]string
	kinds     []string
	failKinds map[string]bool
	created   map[string]string // input name -> kind
	requests  []string
	conns     []*fakeConn
}

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) send(op int, d any) error {
	raw, _ := json.Marshal(d)
	b, _ := json.Marshal(envelope{Op: op, D: raw})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func newFakeOBS(t *testing.T, password string) *fakeOBS {
	t.Helper()
	f := &fakeOBS{
		t:         t,
		password:  password,
		items:     map[string][]string{},
		failKinds: map[string]bool{},
		created:   map[string]string{},
		kinds:     []string{"xshm_input", "text_ft2_source_v2", "game_capture", "window_capture"},
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"obswebsocket.json"},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go f.serve(&fakeConn{conn: conn})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

// addr is the server address without a scheme, like a user would type it.
func (f *fakeOBS) addr() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeOBS) serve(c *fakeConn) {
	defer c.conn.Close()
	hello := map[string]any{"obsWebSocketVersion": "5.4.2", "rpcVersion": 1}
	if f.password != "" {
		hello["authentication"] = map[string]string{"challenge": "chal", "salt": "salt"}
	}
	if err := c.send(opHello, hello); err != nil {
		return
	}
	var ident identifyData
	if !f.read(c, opIdentify, &ident) {
		return
	}
	if f.password != "" {
		secret := sha256.Sum256([]byte(f.password + "salt"))
		want := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(secret[:]) + "chal"))
		if ident.Authentication != base64.StdEncoding.EncodeToString(want[:]) {
			c.mu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeAuthFailed, "Authentication failed."), time.Now().Add(time.Second))
			c.mu.Unlock()
			return
		}
	}
	if err := c.send(opIdentified, map[string]int{"negotiatedRpcVersion": 1}); err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()

	for {
		var req struct {
			RequestType string          `json:"requestType"`
			RequestID   string          `json:"requestId"`
			RequestData json.RawMessage `json:"requestData"`
		}
		if !f.read(c, opRequest, &req) {
			return
		}
		data, code, comment := f.handle(req.RequestType, req.RequestData)
		status := map[string]any{"result": code == 100, "code": code}
		if comment != "" {
			status["comment"] = comment
		}
		resp := map[string]any{"requestType": req.RequestType, "requestId": req.RequestID, "requestStatus": status}
		if data != nil {
			resp["responseData"] = data
		}
		if err := c.send(opRequestResponse, resp); err != nil {
			return
		}
	}
}

func (f *fakeOBS) read(c *fakeConn, op int, out any) bool {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	var env envelope
	if json.Unmarshal(b, &env) != nil || env.Op != op {
		return false
	}
	return json.Unmarshal(env.D, out) == nil
}

func (f *fakeOBS) handle(typ string, raw json.RawMessage) (any, int, string) {
	var in struct {
		SceneName string `json:"sceneName"`
		InputName string `json:"inputName"`
		InputKind string `json:"inputKind"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, typ)
	switch typ {
	case "GetStreamStatus":
		return map[string]any{"outputActive": f.streaming}, 100, ""
	case "StartStream":
		f.streaming = true
		return nil, 100, ""
	case "StopStream":
		f.streaming = false
		return nil, 100, ""
	case "GetSceneList":
		scenes := []map[string]string{}
		for _, s := range f.scenes {
			scenes = append(scenes, map[string]string{"sceneName": s})
		}
		return map[string]any{"scenes": scenes, "currentProgramSceneName": f.current}, 100, ""
	case "CreateScene":
		if slices.Contains(f.scenes, in.SceneName) {
			return nil, codeResourceAlreadyExists, "scene exists"
		}
		f.scenes = append(f.scenes, in.SceneName)
		return nil, 100, ""
	case "SetCurrentProgramScene":
		if !slices.Contains(f.scenes, in.SceneName) {
			return nil, codeResourceNotFound, "no such scene"
		}
		f.current = in.SceneName
		return nil, 100, ""
	case "GetSceneItemList":
		if !slices.Contains(f.scenes, in.SceneName) {
			return nil, codeResourceNotFound, "no such scene"
		}
		items := []map[string]string{}
		for _, name := range f.items[in.SceneName] {
			items = append(items, map[string]string{"sourceName": name})
		}
		return map[string]any{"sceneItems": items}, 100, ""
	case "GetInputKindList":
		return map[string]any{"inputKinds": f.kinds}, 100, ""
	case "CreateInput":
		if f.failKinds[in.InputKind] {
			return nil, 702, "creation failed"
		}
		if _, ok := f.created[in.InputName]; ok {
			return nil, codeResourceAlreadyExists, "input exists"
		}
		f.created[in.InputName] = in.InputKind
		f.items[in.SceneName] = append(f.items[in.SceneName], in.InputName)
		return nil, 100, ""
	}
	return nil, 204, "unknown request type"
}

// emit pushes an event to every identified connection.
func (f *fakeOBS) emit(eventType string, data any) {
	f.mu.Lock()
	conns := slices.Clone(f.conns)
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.send(opEvent, map[string]any{"eventType": eventType, "eventIntent": subscribeOutputs, "eventData": data})
	}
}

// dropAll closes every client connection from the server side.
func (f *fakeOBS) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (f *fakeOBS) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == typ {
			n++
		}
	}
	return n
}

func (f *fakeOBS) setStreaming(on bool) {
	f.mu.Lock()
	f.streaming = on
	f.mu.Unlock()
}

func (f *fakeOBS) createdKind(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name]
}
