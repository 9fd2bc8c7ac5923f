package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const maxClientMessage = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Authenticator resolves the user of an upgrade request. It returns
// ErrNoCredential or ErrInvalidCredential when the request cannot be
// attributed to a user.
type Authenticator func(r *http.Request) (userID string, err error)

// Authorizer returns nil when the user may watch the study, or
// ErrForbidden / ErrStudyNotFound.
type Authorizer func(ctx context.Context, userID, studyID string) error

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	return c.ws.Close()
}

// Handler upgrades GET /ws/studies/:studyId to a progress channel. The
// connection is always upgraded so that admission failures can be reported
// with a close code the browser can read.
func (h *Hub) Handler(authenticate Authenticator, authorize Authorizer) echo.HandlerFunc {
	return func(c echo.Context) error {
		studyID := c.Param("studyId")
		userID, authErr := authenticate(c.Request())

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			h.logger.Debug("Websocket upgrade failed", "study_id", studyID, "error", err)
			return nil
		}
		conn := &wsConn{ws: ws, writeTimeout: h.cfg.WriteTimeout}
		ctx := c.Request().Context()

		ch, err := h.Connect(ctx, conn, studyID, userID, func(ctx context.Context) error {
			if authErr != nil {
				return authErr
			}
			return authorize(ctx, userID, studyID)
		})
		if err != nil {
			return nil
		}
		defer h.Disconnect(ch)

		go h.keepalive(ws, ch)
		h.readLoop(ctx, ws, ch)
		return nil
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, ch *Channel) {
	ws.SetReadLimit(maxClientMessage)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Channel read failed", "study_id", ch.studyID, "user_id", ch.userID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.HandleMessage(ctx, ch, data)
	}
}

func (h *Hub) keepalive(ws *websocket.Conn, ch *Channel) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.logger.Debug("Keepalive ping failed", "study_id", ch.studyID, "user_id", ch.userID, "error", err)
				h.Disconnect(ch)
				return
			}
		}
	}
}
