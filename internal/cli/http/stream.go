package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Frame is one message of the exec channel.
type Frame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// StreamResult summarizes a finished exec session.
type StreamResult struct {
	ExitCode    *int
	CloseCode   int
	CloseReason string
}

// Stream opens the websocket at path, sends cmd and hands every frame to
// onFrame until the server closes the connection.
func (c *Client) Stream(ctx context.Context, path, cmd string, onFrame func(Frame)) (StreamResult, error) {
	var result StreamResult
	wsURL, err := c.websocketURL(path)
	if err != nil {
		return result, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return result, fmt.Errorf("dial websocket failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// A rejected session may already be closing; keep reading so the close
	// reason wins over the write error.
	writeErr := conn.WriteJSON(map[string]string{"cmd": cmd})
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				result.CloseCode = closeErr.Code
				result.CloseReason = closeErr.Text
				if closeErr.Code == websocket.ClosePolicyViolation {
					return result, fmt.Errorf("server rejected session: %s", closeErr.Text)
				}
				return result, nil
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if writeErr != nil {
				return result, fmt.Errorf("send command failed: %w", writeErr)
			}
			return result, fmt.Errorf("read frame failed: %w", err)
		}
		if frame.Type == "exit" {
			result.ExitCode = frame.Code
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

// websocketURL maps the http base URL to ws and appends the token query.
func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse url failed: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if token := c.token(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
