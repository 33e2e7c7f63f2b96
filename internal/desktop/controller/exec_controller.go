package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"vdesk/internal/auth/middleware"
	"vdesk/internal/desktop/service"
	appErr "vdesk/pkg/errors"
	"vdesk/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ExecRoute is the websocket route. It authenticates with the token query
// parameter and must be excluded from the header-based auth middleware.
const ExecRoute = "/api/containers/:name/exec"

const (
	writeWait       = 10 * time.Second
	unauthorizedMsg = "unauthorized"
)

// ExecController serves the interactive exec channel.
type ExecController struct {
	exec     *service.ExecService
	tokens   middleware.TokenValidator
	upgrader websocket.Upgrader
}

// NewExecController creates a new ExecController.
func NewExecController(exec *service.ExecService, tokens middleware.TokenValidator) *ExecController {
	return &ExecController{
		exec:   exec,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the exec route on engine.
func (h *ExecController) Register(router gin.IRoutes) {
	router.GET(ExecRoute, h.Exec)
}

type execCommand struct {
	Cmd string `json:"cmd"`
}

// Exec upgrades the request, authenticates the query token, reads one
// command frame and streams the command output back.
func (h *ExecController) Exec(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	session, err := h.tokens.Validate(c.Request.Context(), c.Query("token"))
	if err != nil {
		logger.Warn(c.Request.Context(), "exec rejected", zap.String("env_id", c.Param("name")))
		closeConn(conn, websocket.ClosePolicyViolation, unauthorizedMsg)
		drain(conn)
		return
	}
	middleware.Authorize(c, session)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	emit := func(frame service.Frame) error { return writeFrame(conn, frame) }
	req := service.ExecRequest{EnvID: c.Param("name"), User: session.Username}
	var cmd execCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		_, _ = h.exec.Reject(ctx, req, appErr.ValidationError("cmd", "frame must be a JSON object"), emit)
		closeConn(conn, websocket.CloseUnsupportedData, "invalid frame")
		return
	}
	req.Command = cmd.Cmd

	// Any read failure after the command frame means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	_, err = h.exec.Run(ctx, req, emit)
	if err != nil {
		closeConn(conn, websocket.CloseNormalClosure, appErr.GetCode(err).Kind())
		return
	}
	closeConn(conn, websocket.CloseNormalClosure, "")
}

func writeFrame(conn *websocket.Conn, frame service.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// drain waits for the peer's close reply so unread client frames do not
// reset the connection before the close frame is delivered.
func drain(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
