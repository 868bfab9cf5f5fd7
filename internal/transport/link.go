package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"Tradechat/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// outbound is one frame queued for the write pump. result receives the
// outcome of the socket write.
type outbound struct {
	ev     event.WsEvent
	result chan error
}

// link is one physical websocket connection. A Session replaces its link
// on every reconnect.
type link struct {
	conn   *websocket.Conn
	egress chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newLink(parent context.Context, conn *websocket.Conn, bufSize int) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		conn:   conn,
		egress: make(chan outbound, bufSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *link) close() {
	l.once.Do(func() {
		l.cancel()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = l.conn.Close()
	})
}

func (s *Session) readPump(l *link) {
	var cause error
	defer func() {
		s.linkLost(l, cause)
	}()

	l.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		var ev event.WsEvent
		if err := l.conn.ReadJSON(&ev); err != nil {
			cause = err
			if l.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("server closed live connection", zap.Error(err))
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("live connection timed out")
				return
			}
			s.logger.Warn("error reading from live connection", zap.Error(err))
			return
		}
		s.dispatch(ev)
	}
}

func (s *Session) writePump(l *link) {
	ticker := time.NewTicker(s.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case <-l.ctx.Done():
			return
		case out := <-l.egress:
			_ = l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			err := l.conn.WriteJSON(out.ev)
			out.result <- err
			if err != nil {
				s.logger.Warn("write to live connection failed",
					zap.String("event", out.ev.Event),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.logger.Warn("ping failed", zap.Error(err))
				return
			}
		}
	}
}
