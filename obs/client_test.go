package obs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialHandshake(t *testing.T) {
	tests := []struct {
		name       string
		serverPass string
		clientPass string
		wantErr    error
	}{
		{"no auth", "", "", nil},
		{"correct password", "hunter2", "hunter2", nil},
		{"wrong password", "hunter2", "nope", ErrAuthFailed},
		{"missing password", "hunter2", "", ErrAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOBS(t, tt.serverPass)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := Dial(ctx, "ws://"+f.addr(), tt.clientPass, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer c.Close()

			var status struct {
				OutputActive bool `json:"outputActive"`
			}
			require.NoError(t, c.Call(ctx, "GetStreamStatus", nil, &status))
			assert.False(t, status.OutputActive)
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	f := newFakeOBS(t, "")
	addr := f.addr()
	f.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://"+addr, "", nil)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCallRequestError(t *testing.T) {
	f := newFakeOBS(t, "")
	ctx := context.Background()
	c, err := Dial(ctx, "ws://"+f.addr(), "", nil)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(ctx, "DoSomethingUnknown", nil, nil)
	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 204, re.Code)
	assert.Contains(t, err.Error(), "DoSomethingUnknown")

	err = c.Call(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": "missing"}, nil)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAlreadyExists(err))
}

func TestEventsAndClose(t *testing.T) {
	f := newFakeOBS(t, "")
	var mu sync.Mutex
	var got []string
	c, err := Dial(context.Background(), "ws://"+f.addr(), "", func(typ string, data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, typ+":"+string(data))
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.emit("StreamStateChanged", map[string]any{"outputActive": true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `StreamStateChanged:{"outputActive":true}`, got[0])

	require.NoError(t, c.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, c.Call(context.Background(), "GetStreamStatus", nil, nil), ErrClosed)
}

func TestAuthResponseIsDeterministic(t *testing.T) {
	a := authResponse("pw", "salt", "chal")
	assert.Equal(t, a, authResponse("pw", "salt", "chal"))
	assert.NotEqual(t, a, authResponse("pw", "salt", "other"))
	assert.Len(t, a, 44, "base64 of a sha256 digest")
}
