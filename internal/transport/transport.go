// Package transport runs the QUIC layer for federation links. Identity is
// established at the transport: each side presents a self-signed certificate
// whose ed25519 key derives its endpoint ID, and the key proven by the TLS
// handshake is the only remote identity the rest of the system ever sees.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshchat/internal/identity"
	"meshchat/internal/proto"
)

const (
	// Application close code sent for every local policy decision. One code
	// for all causes so a rejected stranger cannot tell "unknown" from
	// "revoked" from "over limit".
	closePolicy quic.ApplicationErrorCode = 1
	closeNormal quic.ApplicationErrorCode = 0

	dialTimeout = 15 * time.Second
)

// Conn is one federation link: a QUIC connection with a single long-lived
// bidirectional stream carrying length-prefixed frames.
type Conn struct {
	qc       *quic.Conn
	stream   *quic.Stream
	PeerPub  ed25519.PublicKey
	PeerID   identity.EndpointID
	Outbound bool
	release  func()
}

// ReadMessage reads one frame. Per-type size caps are enforced before the
// body is pulled off the wire.
func (c *Conn) ReadMessage() ([]byte, error) {
	return proto.ReadFrame(c.stream, proto.SoftMaxFrameSize, proto.TypeCap)
}

// WriteMessage writes one frame.
func (c *Conn) WriteMessage(payload []byte) error {
	return proto.WriteFrame(c.stream, payload)
}

// SetReadDeadline bounds the next ReadMessage. Used during the handshake.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// Close tears the link down with a normal close.
func (c *Conn) Close() error {
	err := c.qc.CloseWithError(closeNormal, "")
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return err
}

// Reject tears the link down with the uniform policy close.
func (c *Conn) Reject() error {
	err := c.qc.CloseWithError(closePolicy, "closed")
	if c.release != nil {
		c.release()
		c.release = nil
	}
	return err
}

// Transport listens for and dials federation links.
type Transport struct {
	ident *identity.Identity
	log   *zap.Logger

	// Allowed gates inbound connections before any application byte is
	// exchanged. Nil means refuse everything inbound.
	Allowed func(identity.EndpointID) bool

	limiter  *ipLimiter
	listener *quic.Listener
}

func New(ident *identity.Identity, log *zap.Logger, maxConnsPerIP int) *Transport {
	return &Transport{
		ident:   ident,
		log:     log,
		limiter: newIPLimiter(maxConnsPerIP),
	}
}

// Listen binds addr and delivers each admitted inbound link to handle,
// one goroutine per link. It returns when ctx is cancelled or the listener
// fails.
func (t *Transport) Listen(ctx context.Context, addr string, handle func(*Conn)) error {
	tlsConf, err := t.ident.ServerTLS()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  90 * time.Second,
		KeepAlivePeriod: 20 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.listener = listener
	t.log.Info("federation listener ready", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		qc, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go t.admit(ctx, qc, handle)
	}
}

// admit runs the pre-application gate on an inbound connection: prove a
// key, check the allowlist, check the per-IP budget, then take the peer's
// stream. Every failure closes with the same generic reason.
func (t *Transport) admit(ctx context.Context, qc *quic.Conn, handle func(*Conn)) {
	pub, peerID, err := identity.PeerKey(qc.ConnectionState().TLS)
	if err != nil {
		t.log.Debug("inbound without provable key", zap.Error(err))
		qc.CloseWithError(closePolicy, "closed")
		return
	}
	if t.Allowed == nil || !t.Allowed(peerID) {
		t.log.Debug("inbound endpoint not allowed", zap.String("peer", peerID.Short()))
		qc.CloseWithError(closePolicy, "closed")
		return
	}
	ip := remoteIP(qc.RemoteAddr())
	if !t.limiter.acquire(ip) {
		t.log.Warn("inbound over per-ip budget", zap.String("ip", ip))
		qc.CloseWithError(closePolicy, "closed")
		return
	}
	release := func() { t.limiter.release(ip) }

	acceptCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	stream, err := qc.AcceptStream(acceptCtx)
	cancel()
	if err != nil {
		t.log.Debug("inbound stream never opened", zap.String("peer", peerID.Short()), zap.Error(err))
		qc.CloseWithError(closePolicy, "closed")
		release()
		return
	}
	handle(&Conn{qc: qc, stream: stream, PeerPub: pub, PeerID: peerID, release: release})
}

// Dial connects out to addr and pins the remote to expect. The TLS layer
// refuses the handshake if the proven key does not derive expect.
func (t *Transport) Dial(ctx context.Context, addr string, expect identity.EndpointID) (*Conn, error) {
	tlsConf, err := t.ident.ClientTLS(expect)
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	qc, err := quic.DialAddr(dialCtx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  90 * time.Second,
		KeepAlivePeriod: 20 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	pub, peerID, err := identity.PeerKey(qc.ConnectionState().TLS)
	if err != nil {
		qc.CloseWithError(closePolicy, "closed")
		return nil, err
	}
	if peerID != expect {
		qc.CloseWithError(closePolicy, "closed")
		return nil, errors.New("dialed endpoint presented a different key")
	}
	stream, err := qc.OpenStreamSync(dialCtx)
	if err != nil {
		qc.CloseWithError(closePolicy, "closed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &Conn{qc: qc, stream: stream, PeerPub: pub, PeerID: peerID, Outbound: true}, nil
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
