// Package ws carries the sync protocol over websockets: one text frame
// per message. Dial produces the client side, Handler the server side;
// both hand back ordinary wire.Peers.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Dial connects to a sync server and returns it as a peer with the
// given role (RoleServer for an upstream sync server).
func Dial(ctx context.Context, url string, role wire.Role, log *slog.Logger) (*wire.Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return newConnPeer(url, role, conn, log), nil
}

// Handler upgrades incoming connections and hands each resulting
// client-role peer to accept. The caller (normally a node) owns the
// peer from then on.
func Handler(log *slog.Logger, accept func(*wire.Peer)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		accept(newConnPeer(conn.RemoteAddr().String(), wire.RoleClient, conn, log))
	})
}

// newConnPeer wires a websocket connection into a peer: a read pump
// decoding frames into the incoming channel, a write pump encoding the
// outgoing channel into frames. Closing the peer closes the outgoing
// channel, which shuts the connection down; a connection error closes
// the incoming channel, which the node sees as the peer going away.
func newConnPeer(id string, role wire.Role, conn *websocket.Conn, log *slog.Logger) *wire.Peer {
	incoming := make(chan wire.Message, 256)
	outgoing := make(chan wire.Message, 256)

	go func() {
		defer close(incoming)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				log.Warn("undecodable frame", "peer", id, "err", err)
				continue
			}
			incoming <- msg
		}
	}()

	go func() {
		defer conn.Close()
		broken := false
		for msg := range outgoing {
			if broken {
				// Keep draining so senders never block on a dead
				// connection.
				continue
			}
			data, err := wire.Encode(msg)
			if err != nil {
				log.Warn("unencodable message", "peer", id, "err", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("websocket write failed", "peer", id, "err", err)
				broken = true
			}
		}
	}()

	return wire.NewPeer(id, role, incoming, outgoing, nil)
}
