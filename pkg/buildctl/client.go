package buildctl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"notebook-builder/internal/bridge"
	"notebook-builder/internal/domain"
)

// BridgePath is the dispatcher path of build sessions.
const BridgePath = "/v1/builds/ws"

// SessionError is a session the dispatcher closed abnormally.
type SessionError struct {
	Code   int
	Reason string
}

func (e *SessionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session closed with code %d", e.Code)
	}
	return fmt.Sprintf("session closed with code %d: %s", e.Code, e.Reason)
}

// Client opens build sessions on a dispatcher.
type Client struct {
	Host   string
	Token  string
	Dialer *websocket.Dialer
}

// SessionURL maps an http(s) host onto the ws(s) session endpoint.
func SessionURL(host string) (string, error) {
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported host scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + BridgePath
	return u.String(), nil
}

// Run sends one command for buildID and passes every event the dispatcher
// sends to handle until the session ends. A normal close returns nil.
func (c *Client) Run(ctx context.Context, command domain.QueueCommand, buildID string, handle func(domain.ProgressEvent) error) error {
	endpoint, err := SessionURL(c.Host)
	if err != nil {
		return err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s: %s", endpoint, resp.Status)
		}
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(bridge.Frame{Command: command, BuildID: buildID, JWT: c.Token}); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	for {
		var ev domain.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return &SessionError{Code: ce.Code, Reason: ce.Text}
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}
