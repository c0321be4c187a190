package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshchat/internal/identity"
	"meshchat/internal/proto"
)

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(2)
	assert.True(t, l.acquire("10.0.0.1"))
	assert.True(t, l.acquire("10.0.0.1"))
	assert.False(t, l.acquire("10.0.0.1"))
	assert.True(t, l.acquire("10.0.0.2"))

	l.release("10.0.0.1")
	assert.True(t, l.acquire("10.0.0.1"))
}

func TestIPLimiterUnbounded(t *testing.T) {
	l := newIPLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.acquire("10.0.0.1"))
	}
}

func newTestTransport(t *testing.T) (*Transport, *identity.Identity) {
	t.Helper()
	ident, err := identity.Load(t.TempDir())
	require.NoError(t, err)
	return New(ident, zap.NewNop(), 4), ident
}

// Loopback exchange over real QUIC: dial with the expected pin, exchange a
// frame in each direction.
func TestDialListenExchange(t *testing.T) {
	serverTr, serverIdent := newTestTransport(t)
	clientTr, clientIdent := newTestTransport(t)

	serverTr.Allowed = func(id identity.EndpointID) bool { return id == clientIdent.ID }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Conn, 1)
	go serverTr.Listen(ctx, "127.0.0.1:39441", func(c *Conn) { got <- c })
	time.Sleep(200 * time.Millisecond)

	cc, err := clientTr.Dial(ctx, "127.0.0.1:39441", serverIdent.ID)
	require.NoError(t, err)
	defer cc.Close()
	assert.Equal(t, serverIdent.ID, cc.PeerID)
	assert.True(t, cc.Outbound)

	require.NoError(t, cc.WriteMessage([]byte(`{"type":"hello"}`)))

	sc := <-got
	defer sc.Close()
	assert.Equal(t, clientIdent.ID, sc.PeerID)

	msg, err := sc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, proto.MsgTypeHello, proto.PeekType(msg))

	require.NoError(t, sc.WriteMessage([]byte(`{"type":"hello_ack"}`)))
	msg, err = cc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, proto.MsgTypeHelloAck, proto.PeekType(msg))
}

// An endpoint that is not on the allowlist is closed before it can read or
// write anything, and sees only a generic close.
func TestListenRefusesUnknownEndpoint(t *testing.T) {
	serverTr, serverIdent := newTestTransport(t)
	clientTr, _ := newTestTransport(t)

	serverTr.Allowed = func(identity.EndpointID) bool { return false }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serverTr.Listen(ctx, "127.0.0.1:39442", func(c *Conn) {
		t.Error("handler ran for refused endpoint")
	})
	time.Sleep(200 * time.Millisecond)

	cc, err := clientTr.Dial(ctx, "127.0.0.1:39442", serverIdent.ID)
	if err != nil {
		return // closed during the stream open, also fine
	}
	defer cc.Close()
	cc.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = cc.ReadMessage()
	assert.Error(t, err)
}

// Dialing with the wrong pin must fail during the TLS handshake.
func TestDialWrongPinFails(t *testing.T) {
	serverTr, _ := newTestTransport(t)
	clientTr, clientIdent := newTestTransport(t)
	other, err := identity.Load(t.TempDir())
	require.NoError(t, err)

	serverTr.Allowed = func(id identity.EndpointID) bool { return id == clientIdent.ID }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverTr.Listen(ctx, "127.0.0.1:39443", func(c *Conn) { c.Close() })
	time.Sleep(200 * time.Millisecond)

	_, err = clientTr.Dial(ctx, "127.0.0.1:39443", other.ID)
	assert.Error(t, err)
}
