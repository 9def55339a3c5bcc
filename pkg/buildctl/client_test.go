package buildctl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/bridge"
	"notebook-builder/internal/domain"
)

// fakeDispatcher answers one frame with events and then a close frame.
type fakeDispatcher struct {
	events    []domain.ProgressEvent
	closeCode int
	reason    string

	got chan bridge.Frame
}

func (f *fakeDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != BridgePath {
		http.NotFound(w, r)
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck

	var frame bridge.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return
	}
	f.got <- frame
	for _, ev := range f.events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.reason))
	_, _, _ = conn.ReadMessage()
}

func serve(t *testing.T, f *fakeDispatcher) string {
	t.Helper()
	f.got = make(chan bridge.Frame, 1)
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSessionURL(t *testing.T) {
	tests := []struct {
		host string
		want string
		err  bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/builds/ws", false},
		{"https://builds.example/", "wss://builds.example/v1/builds/ws", false},
		{"https://builds.example/api", "wss://builds.example/api/v1/builds/ws", false},
		{"localhost:8080", "ws://localhost:8080/v1/builds/ws", false},
		{"ftp://builds.example", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := SessionURL(tt.host)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_Run(t *testing.T) {
	f := &fakeDispatcher{events: sampleEvents, closeCode: websocket.CloseNormalClosure}
	c := &Client{Host: serve(t, f), Token: "tok"}

	var got []domain.ProgressEvent
	err := c.Run(context.Background(), domain.CommandStart, "b-1", func(ev domain.ProgressEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sampleEvents, got)
	assert.Equal(t, bridge.Frame{Command: domain.CommandStart, BuildID: "b-1", JWT: "tok"}, <-f.got)
}

func TestClient_Run_PolicyClose(t *testing.T) {
	f := &fakeDispatcher{closeCode: websocket.ClosePolicyViolation, reason: "access denied"}
	c := &Client{Host: serve(t, f)}

	err := c.Run(context.Background(), domain.CommandCancel, "b-1", func(domain.ProgressEvent) error { return nil })
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, websocket.ClosePolicyViolation, se.Code)
	assert.Equal(t, "access denied", se.Reason)
}

func TestClient_Run_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	err := (&Client{Host: srv.URL}).Run(context.Background(), domain.CommandStart, "b-1", func(domain.ProgressEvent) error { return nil })
	assert.ErrorContains(t, err, "404")
}
