package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/internal/daemon/store"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// visible narrows an update to what pid may see. Admins (pid "") see all.
// ok is false when nothing remains.
func visible(u store.Update, pid string) (store.Update, bool) {
	if pid == "" {
		return u, true
	}
	switch p := u.Payload.(type) {
	case map[string]*store.RunfileStatus:
		own := make(map[string]*store.RunfileStatus)
		for path, rs := range p {
			if rs.PID == pid {
				own[path] = rs
			}
		}
		u.Payload = own
		u.Scanned = len(own)
		return u, true
	case *store.RunfileStatus:
		return u, p.PID == pid
	case store.Transition:
		return u, p.PID == pid
	}
	return u, true
}

// handleStream pushes monitor updates over a websocket until the client
// goes away.
func (s *Server) handleStream(c *gin.Context) {
	if s.State == nil {
		fail(c, errors.New(errors.ErrCodeInternal, "monitor not running"))
		return
	}
	who := caller(c)
	filter := who.PID
	if who.Admin {
		filter = ""
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to upgrade the websocket")
		return
	}
	defer ws.Close()

	updates := s.State.Subscribe()
	defer s.State.Unsubscribe(updates)

	// The client never sends anything we act on; reading detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.WithField("pid", who.PID)
	logger.Debug("Stream opened")
	defer logger.Debug("Stream closed")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			u, ok = visible(u, filter)
			if !ok {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(u); err != nil {
				logger.WithError(err).Debug("Stream write failed")
				return
			}
		}
	}
}
