// internal/handlers/events_ws.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/cambia-matchmaker/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaker/internal/middleware"
)

// Values written through Presence.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	eventsSubprotocol = "events"
	pingInterval      = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// EventsWSHandler streams the events addressed to the caller. Closing the
// last stream of a user removes it from its lobby.
func (s *APIServer) EventsWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{eventsSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.log.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != eventsSubprotocol {
			c.Close(BadSubprotocolError, "client must speak the events subprotocol")
			return
		}

		token := extractCookieToken(r.Header.Get("Cookie"), auth.CookieName)
		userID, err := s.signer.AuthenticateJWT(token)
		if err != nil {
			c.Close(InvalidAuthTokenError, "authentication failed")
			return
		}

		ctx := c.CloseRead(r.Context())
		sub := s.events.Subscribe(ctx, userID)
		defer sub.Close()
		if _, err := sub.Receive(ctx); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to subscribe to events")
			c.Close(SubscribeError, "failed to open the event stream")
			return
		}

		s.connect(ctx, userID)
		middleware.LogWebSocketConnect(s.log, r.RemoteAddr, r.URL.Path, userID)

		err = s.pump(ctx, c, sub.Channel())
		s.disconnect(userID)
		middleware.LogWebSocketDisconnect(s.log, r.RemoteAddr, r.URL.Path, userID, err)

		c.Close(websocket.StatusNormalClosure, "")
	}
}

// pump forwards published payloads until the client goes away.
func (s *APIServer) pump(ctx context.Context, c *websocket.Conn, msgs <-chan *redis.Message) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(writeCtx, websocket.MessageText, []byte(msg.Payload))
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *APIServer) connect(ctx context.Context, userID int64) {
	s.connsMu.Lock()
	s.conns[userID]++
	first := s.conns[userID] == 1
	s.connsMu.Unlock()

	if first && s.presence != nil {
		if err := s.presence.SetStatus(ctx, userID, StatusOnline); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to set status")
		}
	}
}

// disconnect runs on a fresh context: the request context is already done.
func (s *APIServer) disconnect(userID int64) {
	s.connsMu.Lock()
	s.conns[userID]--
	last := s.conns[userID] <= 0
	if last {
		delete(s.conns, userID)
	}
	s.connsMu.Unlock()
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := s.log.WithFields(logrus.Fields{"user_id": userID})
	if s.presence != nil {
		if err := s.presence.SetStatus(ctx, userID, StatusOffline); err != nil {
			log.WithError(err).Warn("failed to set status")
		}
	}
	if err := s.lobbies.Disconnect(ctx, userID); err != nil {
		log.WithError(err).Warn("failed to remove disconnected player from its lobby")
	}
}
