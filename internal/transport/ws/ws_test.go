package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
	"github.com/weftlabs/weft/internal/wire"
)

func TestDialAndHandlerExchangeMessages(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	accepted := make(chan *wire.Peer, 1)
	srv := httptest.NewServer(Handler(log, func(p *wire.Peer) { accepted <- p }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), url, wire.RoleServer, log)
	require.NoError(t, err)

	var server *wire.Peer
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never accepted the connection")
	}
	assert.Equal(t, wire.RoleClient, server.Role)
	assert.Equal(t, wire.RoleServer, client.Role)

	id := coval.ID("co_" + strings.Repeat("a", 64))
	require.NoError(t, client.Send(&wire.LoadMessage{ID: id, Sessions: map[crypto.SessionID]int{}}))

	select {
	case msg := <-server.Incoming:
		assert.Equal(t, wire.ActionLoad, msg.Action())
		assert.Equal(t, id, msg.CoValue())
	case <-time.After(5 * time.Second):
		t.Fatal("frame never arrived at the server")
	}

	require.NoError(t, server.Send(&wire.DoneMessage{ID: id}))
	select {
	case msg := <-client.Incoming:
		assert.Equal(t, wire.ActionDone, msg.Action())
	case <-time.After(5 * time.Second):
		t.Fatal("frame never arrived back at the client")
	}

	// Closing the client ends the server's incoming stream.
	client.Close()
	select {
	case _, open := <-server.Incoming:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
}

func TestDialFailsFast(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/sync", wire.RolePeer, log)
	require.Error(t, err)
}
