// internal/handlers/relay_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/hostrelay/internal/middleware"
	"github.com/jason-s-yu/hostrelay/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	relaySubprotocol = "relay"
	// game state blobs can be well past the library's 32 KiB default
	maxFrameBytes = 1 << 20
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
	pingTimeout   = 15 * time.Second
)

// RequestHandler applies client requests and connection loss. *session.Coordinator satisfies it.
type RequestHandler interface {
	HandleRequest(connID uuid.UUID, req session.Request, reply session.ReplyFunc)
	HandleDisconnect(connID uuid.UUID)
}

// RelayWSHandler upgrades to a websocket speaking the relay subprotocol and feeds
// every frame to coord until the client goes away.
func RelayWSHandler(logger logrus.FieldLogger, hub *Hub, coord RequestHandler, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{relaySubprotocol},
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != relaySubprotocol {
			c.Close(BadSubprotocolError, "client must speak the relay subprotocol")
			return
		}
		c.SetReadLimit(maxFrameBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := NewRelayConnection(r.RemoteAddr, cancel, logger)
		if !hub.Register(conn) {
			// shutting down: flush the goodbye Register queued and close
			writePump(ctx, c, conn)
			return
		}
		middleware.LogWebSocketConnect(logger, conn.ID, r.RemoteAddr, r.URL.Path)

		conn.Write(session.Message{
			Type:    session.EventConnected,
			Payload: session.ConnectedEvent{PlayerID: conn.ID},
		})

		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			writePump(ctx, c, conn)
		}()

		readErr := readPump(ctx, c, conn, coord)

		// Unregister first so nothing the disconnect produces is queued for this socket.
		hub.Unregister(conn.ID)
		coord.HandleDisconnect(conn.ID)
		cancel()
		<-writeDone

		middleware.LogWebSocketDisconnect(logger, conn.ID, r.RemoteAddr, readErr)
	}
}

// readPump decodes text frames into requests until the socket closes.
// A clean close or cancellation returns nil.
func readPump(ctx context.Context, c *websocket.Conn, conn *RelayConnection, coord RequestHandler) error {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, KickedError:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if typ != websocket.MessageText {
			conn.logger.Warnf("ignoring non-text frame of type %v", typ)
			continue
		}

		var req session.Request
		if err := json.Unmarshal(data, &req); err != nil {
			conn.logger.Warnf("invalid json: %v", err)
			conn.Write(session.Message{
				Type:    session.EventAck,
				Payload: session.ErrorReply{Error: "invalid json"},
			})
			continue
		}

		id := req.ID
		coord.HandleRequest(conn.ID, req, func(payload any) {
			conn.Write(session.Message{Type: session.EventAck, ID: id, Payload: payload})
		})
	}
}

// writePump drains the connection's queue and keeps the socket alive with pings.
func writePump(ctx context.Context, c *websocket.Conn, conn *RelayConnection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-conn.OutChan:
			if item.close != nil {
				_ = c.Close(item.close.code, item.close.reason)
				return
			}

			data, err := json.Marshal(item.msg)
			if err != nil {
				conn.logger.Warnf("failed to marshal outgoing %q: %v", item.msg.Type, err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.logger.Warnf("failed to write to websocket: %v", err)
				conn.Cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.logger.Warnf("ping failed, assuming disconnect: %v", err)
				conn.Cancel()
				return
			}
		}
	}
}
