package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"github.com/webitel/im-gateway-service/internal/domain/registry"
	wsmarshaller "github.com/webitel/im-gateway-service/internal/handler/marshaller/ws"
	"github.com/webitel/im-gateway-service/internal/service"
)

// Gateway is the slice of the session engine the socket edge needs.
type Gateway interface {
	Admit(ctx context.Context, req service.AdmitRequest) (*service.Session, *service.Denial)
	HandleFrame(ctx context.Context, sess *service.Session, fr *model.Frame)
	Disconnect(sess *service.Session, code int, reason string)
}

// Config bounds the raw socket before any tenant policy applies.
type Config struct {
	JWTSecret     string
	MaxFrameBytes int64
	WriteTimeout  time.Duration
}

type WSHandler struct {
	logger   *slog.Logger
	engine   Gateway
	cfg      Config
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, engine Gateway, cfg Config) *WSHandler {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 128 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WSHandler{
		logger: logger,
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. IDENTITY CLAIMS (shape check only; the auth hook has the last word)
	token := bearerToken(r)
	claims, err := parseToken(token, h.cfg.JWTSecret)
	if err != nil {
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	// 3. ADMISSION: hook auth, lease registration, local attach.
	sess, denial := h.engine.Admit(r.Context(), service.AdmitRequest{
		Tenant: claims.Tenant,
		User:   claims.Subject,
		Device: claims.Device,
		Token:  token,
		Meta: registry.ConnectMetadata{
			RemoteIP:  r.RemoteAddr,
			UserAgent: r.UserAgent(),
		},
	})
	if denial != nil {
		h.closeWith(ws, denial.Code, denial.Reason)
		return
	}
	conn := sess.Conn
	defer registry.Recycle(conn)

	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return nil
	})

	h.logger.Info("ws opened",
		"tenant", claims.Tenant,
		"user", sess.Ref.User,
		"device", claims.Device,
		"conn_id", conn.ID(),
	)

	// 4. WRITE PUMP: frames from the cell out to the socket.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-conn.Done():
				code, reason := conn.CloseCode()
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				h.closeWith(ws, code, reason)
				return
			case fr := <-conn.Recv():
				data, err := wsmarshaller.Marshal(fr)
				if err != nil {
					h.logger.Error("ws marshal failed", "error", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					h.logger.Warn("ws send failed", "error", err, "conn_id", conn.ID())
					conn.Close(websocket.CloseAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// 5. READ PUMP (this goroutine): client frames into the engine.
	h.readLoop(r.Context(), ws, sess)

	// Disconnect fires conn.Close; wait for the writer to flush the close
	// frame before the deferred ws.Close tears the socket down.
	h.engine.Disconnect(sess, websocket.CloseNormalClosure, "client gone")
	select {
	case <-writeDone:
	case <-time.After(h.cfg.WriteTimeout):
	}
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *service.Session) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read ended", "error", err, "conn_id", sess.Conn.ID())
			}
			// gorilla surfaces an oversized message as ErrReadLimit; the
			// client gets the dedicated close code for it.
			if errors.Is(err, websocket.ErrReadLimit) {
				sess.Conn.Close(model.CloseFrameTooLarge, "frame exceeds limit")
			}
			return
		}
		fr, err := wsmarshaller.Unmarshal(data)
		if err != nil {
			sess.Conn.Send(&model.Frame{Type: model.FrameError, Reason: err.Error()}, time.Second)
			continue
		}
		h.engine.HandleFrame(ctx, sess, fr)

		select {
		case <-sess.Conn.Done():
			return
		default:
		}
	}
}

func (h *WSHandler) closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
}
