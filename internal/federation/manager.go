// Package federation runs the server-to-server layer: authenticated QUIC
// links to allowlisted peers, signed event exchange, trust enforcement,
// and convergent replication of durable channel state.
package federation

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/channel"
	"meshchat/internal/config"
	"meshchat/internal/crdt"
	"meshchat/internal/identity"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
	"meshchat/internal/store"
	"meshchat/internal/transport"
)

const (
	handshakeTimeout = 30 * time.Second
	broadcastQueue   = 1024
	linkSendQueue    = 256

	reconnectBase = time.Second
	reconnectMax  = 60 * time.Second

	// Budget for channels a single peer may introduce via sync.
	createBudgetMax    = 32
	createBudgetWindow = 10 * time.Minute

	snapshotFile = "state.sealed"
	auditFile    = "events.jsonl"
)

// allowEntry is one configured peer: how to reach it and how far to
// trust it.
type allowEntry struct {
	addr  string
	trust TrustLevel
}

// provisionalEntry is a time-boxed allowlist extension minted by a
// verified key rotation.
type provisionalEntry struct {
	trust   TrustLevel
	addr    string
	expires time.Time
}

// peerEntry is one authenticated link. The generation counter resolves
// cleanup races: teardown for generation N never touches a replacement
// link at N+1.
type peerEntry struct {
	conn   *transport.Conn
	gen    uint64
	name   string
	trust  TrustLevel
	dedup  *dedupState
	bucket *tokenBucket
	sendq  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *peerEntry) shutdown() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

type createBudget struct {
	windowStart time.Time
	count       int
}

// Manager owns all federation state. Deliver, when set, receives every
// event that produced a local effect, for the client-facing chat layer.
type Manager struct {
	ident *identity.Identity
	cfg   *config.Config
	log   *zap.Logger
	tr    *transport.Transport
	reg   *channel.Registry
	doc   *crdt.Document
	met   *metrics.Metrics

	Deliver func(ev proto.Event)

	counter atomic.Uint64
	genSeq  atomic.Uint64

	mu          sync.Mutex
	peers       map[identity.EndpointID]*peerEntry
	allow       map[identity.EndpointID]allowEntry
	provisional map[identity.EndpointID]provisionalEntry
	grace       map[identity.EndpointID]time.Time
	revoked     map[identity.EndpointID]struct{}
	budgets     map[identity.EndpointID]*createBudget

	broadcastCh  chan outbound
	snapshotPath string
	auditPath    string
}

// outbound is one event queued for the broadcast worker. exclude names the
// link the event arrived on, so relays never echo back to the sender.
type outbound struct {
	ev      proto.Event
	exclude identity.EndpointID
}

func NewManager(ident *identity.Identity, cfg *config.Config, log *zap.Logger, met *metrics.Metrics) (*Manager, error) {
	snapshotPath := filepath.Join(cfg.DataDir, snapshotFile)
	doc, err := crdt.LoadSealed(snapshotPath, ident.SnapshotKey(), ident.ID.String())
	if err != nil {
		return nil, err
	}
	m := &Manager{
		ident:        ident,
		cfg:          cfg,
		log:          log,
		reg:          channel.NewRegistry(),
		doc:          doc,
		met:          met,
		peers:        make(map[identity.EndpointID]*peerEntry),
		allow:        make(map[identity.EndpointID]allowEntry),
		provisional:  make(map[identity.EndpointID]provisionalEntry),
		grace:        make(map[identity.EndpointID]time.Time),
		revoked:      make(map[identity.EndpointID]struct{}),
		budgets:      make(map[identity.EndpointID]*createBudget),
		broadcastCh:  make(chan outbound, broadcastQueue),
		snapshotPath: snapshotPath,
		auditPath:    filepath.Join(cfg.DataDir, auditFile),
	}
	for _, p := range cfg.Peers {
		id, err := identity.Parse(p.EndpointID)
		if err != nil {
			return nil, err
		}
		trust, err := ParseTrust(p.Trust)
		if err != nil {
			return nil, err
		}
		m.allow[id] = allowEntry{addr: p.Addr, trust: trust}
	}
	// Seed the event counter from the wall clock so a restarted server
	// never re-issues IDs below a peer's high-water mark for us.
	m.counter.Store(uint64(time.Now().UnixMicro()))

	m.tr = transport.New(ident, log, cfg.MaxConnsPerIP)
	m.tr.Allowed = m.endpointAllowed
	m.reconcileFromDoc()
	return m, nil
}

func (m *Manager) Registry() *channel.Registry { return m.reg }

// Run starts the listener, the broadcast worker, outbound dialers for every
// peer with an address, and the maintenance loops. It blocks until ctx is
// cancelled, then seals state to disk.
func (m *Manager) Run(ctx context.Context) error {
	go m.broadcastWorker(ctx)
	go m.maintenanceLoop(ctx)

	m.mu.Lock()
	for id, entry := range m.allow {
		if entry.addr != "" {
			go m.dialLoop(ctx, id, entry.addr)
		}
	}
	m.mu.Unlock()

	err := m.tr.Listen(ctx, m.cfg.ListenAddr, func(c *transport.Conn) {
		m.runLink(ctx, c)
	})
	if saveErr := m.doc.SaveSealed(m.snapshotPath, m.ident.SnapshotKey()); saveErr != nil {
		m.log.Error("seal state on shutdown", zap.Error(saveErr))
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// endpointAllowed is the transport admission gate: static allowlist, plus
// provisional rotation grants, minus revocations.
func (m *Manager) endpointAllowed(id identity.EndpointID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[id]; ok {
		return false
	}
	if _, ok := m.allow[id]; ok {
		return true
	}
	if prov, ok := m.provisional[id]; ok && time.Now().Before(prov.expires) {
		return true
	}
	return false
}

// trustFor resolves the trust level this server grants an endpoint.
func (m *Manager) trustFor(id identity.EndpointID) (TrustLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[id]; ok {
		return TrustReadOnly, false
	}
	if e, ok := m.allow[id]; ok {
		return e.trust, true
	}
	if prov, ok := m.provisional[id]; ok && time.Now().Before(prov.expires) {
		return prov.trust, true
	}
	return TrustReadOnly, false
}

// nextEventID stamps a locally originated event.
func (m *Manager) nextEventID() string {
	return proto.FormatEventID(m.ident.ID.String(), m.counter.Add(1))
}

// Originate applies a locally produced event and broadcasts it to every
// connected peer. The chat layer calls this for everything its own users
// do that the federation must see.
func (m *Manager) Originate(ev proto.Event) string {
	ev.Origin = m.ident.ID.String()
	ev.EventID = m.nextEventID()
	m.applyLocalEffects(ev)
	m.audit(metrics.EventHeader{
		EventID: ev.EventID, Origin: ev.Origin, Kind: ev.Type, Channel: ev.Channel,
	})
	m.enqueueBroadcast(outbound{ev: ev})
	return ev.EventID
}

// audit appends one applied event to the durable JSONL trail. The metrics
// ring only keeps the most recent headers in memory; this is the record
// that survives a restart.
func (m *Manager) audit(h metrics.EventHeader) {
	if err := store.AppendJSONL(m.auditPath, h); err != nil {
		m.log.Warn("audit append failed", zap.Error(err))
	}
}

// AuditTrail returns the trailing n applied events from the durable log
// in append order, spanning rotated generations.
func (m *Manager) AuditTrail(n int) ([]metrics.EventHeader, error) {
	return store.ReadLastN[metrics.EventHeader](m.auditPath, n)
}

func (m *Manager) enqueueBroadcast(item outbound) {
	select {
	case m.broadcastCh <- item:
	default:
		m.log.Warn("broadcast queue full, dropping event",
			zap.String("kind", item.ev.Type), zap.String("event_id", item.ev.EventID))
	}
}

// broadcastWorker is the single writer deciding broadcast order. Every
// peer sees locally originated events in the same sequence; per-link
// queues preserve that order on the wire.
func (m *Manager) broadcastWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-m.broadcastCh:
			frame, err := m.sealEvent(item.ev)
			if err != nil {
				m.log.Error("seal outbound event", zap.Error(err))
				continue
			}
			m.mu.Lock()
			for id, p := range m.peers {
				if id == item.exclude {
					continue
				}
				select {
				case p.sendq <- frame:
				default:
					m.log.Warn("peer send queue full, dropping",
						zap.String("peer", id.Short()), zap.String("kind", item.ev.Type))
				}
			}
			m.mu.Unlock()
		}
	}
}

// sealEvent wraps an event in a signed envelope frame.
func (m *Manager) sealEvent(ev proto.Event) ([]byte, error) {
	payload, err := proto.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	sig, err := m.ident.Sign(proto.EnvelopeSignBytes(payload))
	if err != nil {
		return nil, err
	}
	return proto.EncodeEnvelope(proto.Envelope{
		Type:    proto.MsgTypeEnvelope,
		Payload: payload,
		Sig:     sig,
		Signer:  m.ident.ID.String(),
	})
}

// sendTo queues a frame for one peer only. Sync traffic uses this; state
// exchange is always targeted, never broadcast.
func (m *Manager) sendTo(id identity.EndpointID, frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	if !ok {
		return false
	}
	select {
	case p.sendq <- frame:
		return true
	default:
		m.log.Warn("peer send queue full, dropping targeted frame", zap.String("peer", id.Short()))
		return false
	}
}

// addPeer installs an authenticated link, resolving duplicate connections:
// when both sides dial each other, the link dialed by the lower endpoint
// ID survives.
func (m *Manager) addPeer(conn *transport.Conn, name string, trust TrustLevel) (*peerEntry, bool) {
	keepNew := true
	m.mu.Lock()
	if old, ok := m.peers[conn.PeerID]; ok {
		lowerDialed := (conn.Outbound && m.ident.ID.String() < conn.PeerID.String()) ||
			(!conn.Outbound && conn.PeerID.String() < m.ident.ID.String())
		if lowerDialed {
			old.shutdown()
			delete(m.peers, conn.PeerID)
		} else {
			keepNew = false
		}
	}
	if !keepNew {
		m.mu.Unlock()
		return nil, false
	}
	p := &peerEntry{
		conn:   conn,
		gen:    m.genSeq.Add(1),
		name:   name,
		trust:  trust,
		dedup:  newDedupState(),
		bucket: newTokenBucket(m.cfg.EventRateLimit),
		sendq:  make(chan []byte, linkSendQueue),
		closed: make(chan struct{}),
	}
	m.peers[conn.PeerID] = p
	m.mu.Unlock()
	m.met.PeerUp()
	m.log.Info("peer authenticated",
		zap.String("peer", conn.PeerID.Short()),
		zap.String("name", name),
		zap.String("trust", trust.String()),
		zap.Uint64("gen", p.gen))
	return p, true
}

// removePeer tears down one link generation. A stale teardown racing a
// reconnect is a no-op: the generation no longer matches.
func (m *Manager) removePeer(id identity.EndpointID, gen uint64) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if !ok || p.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.peers, id)
	m.mu.Unlock()

	p.shutdown()
	m.met.PeerDown()
	m.log.Info("peer disconnected", zap.String("peer", id.Short()), zap.Uint64("gen", gen))

	// Dedup state dies with the link. All presence the peer vouched for
	// is withdrawn and surfaced locally as a synthetic event.
	origin := id.String()
	gone := m.reg.RemoveOrigin(origin)
	for ch, nicks := range gone {
		for _, nick := range nicks {
			m.deliver(proto.Event{Type: proto.EventPeerGone, Channel: ch, Nick: nick, Origin: origin})
		}
	}
}

// Revoke severs trust in an endpoint immediately: link closed, dedup
// state dropped, admission refused until the operator says otherwise.
// Nothing is announced to other servers; each operator removes trust on
// their own authority.
func (m *Manager) Revoke(id identity.EndpointID) {
	m.mu.Lock()
	m.revoked[id] = struct{}{}
	delete(m.allow, id)
	delete(m.provisional, id)
	p, ok := m.peers[id]
	var gen uint64
	if ok {
		gen = p.gen
	}
	m.mu.Unlock()
	m.log.Warn("peer revoked", zap.String("peer", id.Short()))
	if ok {
		m.removePeer(id, gen)
	}
}

// Peers lists currently authenticated endpoints.
func (m *Manager) Peers() []identity.EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]identity.EndpointID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

func (m *Manager) deliver(ev proto.Event) {
	if m.Deliver != nil {
		m.Deliver(ev)
	}
}

// dialLoop maintains the outbound link to one configured peer, backing
// off exponentially between attempts.
func (m *Manager) dialLoop(ctx context.Context, id identity.EndpointID, addr string) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.endpointAllowed(id) {
			return
		}
		if m.connected(id) {
			backoff = waitOrDone(ctx, backoff, reconnectBase)
			continue
		}
		conn, err := m.tr.Dial(ctx, addr, id)
		if err != nil {
			m.log.Debug("dial failed", zap.String("peer", id.Short()),
				zap.String("addr", addr), zap.Error(err))
			backoff = waitOrDone(ctx, backoff, min(backoff*2, reconnectMax))
			continue
		}
		backoff = reconnectBase
		m.runLink(ctx, conn)
	}
}

func (m *Manager) connected(id identity.EndpointID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[id]
	return ok
}

// waitOrDone sleeps for d (or until ctx ends) and returns next.
func waitOrDone(ctx context.Context, d, next time.Duration) time.Duration {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return next
}
