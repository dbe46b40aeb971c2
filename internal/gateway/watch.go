package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// Snapshot is one frame sent on a watch stream.
type Snapshot struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (s *Server) handleWatchProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := s.wallet.WatchProfile(ctx, id.UID)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	stream(ctx, cancel, s, w, r, "profile", updates)
}

func (s *Server) handleWatchHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := s.wallet.WatchHistory(ctx, id.UID)
	if err != nil {
		s.writeWalletError(w, r, err)
		return
	}
	stream(ctx, cancel, s, w, r, "transactions", updates)
}

// stream upgrades the connection and forwards every value from updates as a
// Snapshot until the client goes away or the feed closes.
func stream[T any](ctx context.Context, cancel context.CancelFunc, s *Server, w http.ResponseWriter, r *http.Request, kind string, updates <-chan T) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.WithContext(ctx).WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.WithContext(ctx).WithField("stream", kind)
	logger.Debug("Watch stream opened")

	// The client never sends data; reading is only needed to process
	// control frames and notice a close.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			logger.Debug("Watch stream closed")
			return
		case v, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(wsWriteWait))
				logger.Info("Watch feed ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(Snapshot{Type: kind, Data: v}); err != nil {
				logger.WithError(err).Debug("Watch stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
