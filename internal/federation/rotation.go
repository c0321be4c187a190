package federation

import (
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/crypto"
	"meshchat/internal/identity"
	"meshchat/internal/proto"
	"meshchat/internal/transport"
)

const (
	// Window around the rotation's issued_at within which it is accepted.
	rotationSkew = 5 * time.Minute
	// Lifetime of the provisional allowlist grant for the new key, and of
	// the grace window during which the old key is still remembered.
	rotationGrace = 15 * time.Minute
)

// handleRotation processes an in-band key rotation announced by the
// currently connected peer. The old key proves continuity by signing the
// transition; success mints a time-boxed provisional allowlist entry for
// the new identity so its next handshake is admitted before the operator
// updates the static allowlist.
func (m *Manager) handleRotation(conn *transport.Conn, msg []byte) {
	rot, err := proto.DecodeKeyRotation(msg)
	if err != nil {
		m.met.IncDropMalformed()
		m.log.Warn("malformed key rotation", zap.String("peer", conn.PeerID.Short()))
		return
	}
	oldID, err := identity.Parse(rot.OldID)
	if err != nil {
		m.met.IncDropMalformed()
		return
	}
	newID, err := identity.Parse(rot.NewID)
	if err != nil {
		m.met.IncDropMalformed()
		return
	}
	// Only the holder of the old key may rotate it, and we know who holds
	// it: the transport proved it on this very link.
	if oldID != conn.PeerID {
		m.log.Warn("rotation for a different identity than the link",
			zap.String("peer", conn.PeerID.Short()), zap.String("old_id", rot.OldID))
		return
	}
	sig, err := hex.DecodeString(rot.Sig)
	if err != nil {
		m.met.IncDropMalformed()
		return
	}
	if !crypto.Verify(conn.PeerPub, proto.RotationSignBytes(oldID, newID, rot.IssuedAt), sig) {
		m.met.IncDropBadSig()
		m.log.Warn("rotation signature invalid", zap.String("peer", conn.PeerID.Short()))
		return
	}
	issued := time.Unix(int64(rot.IssuedAt), 0)
	if d := time.Since(issued); d > rotationSkew || d < -rotationSkew {
		m.log.Warn("rotation outside the accepted time window",
			zap.String("peer", conn.PeerID.Short()), zap.Duration("skew", d))
		return
	}

	m.mu.Lock()
	entry, known := m.allow[oldID]
	if !known {
		if prov, ok := m.provisional[oldID]; ok {
			entry = allowEntry{addr: prov.addr, trust: prov.trust}
			known = true
		}
	}
	if known {
		m.provisional[newID] = provisionalEntry{
			trust:   entry.trust,
			addr:    entry.addr,
			expires: time.Now().Add(rotationGrace),
		}
		m.grace[oldID] = time.Now().Add(rotationGrace)
	}
	m.mu.Unlock()
	if !known {
		return
	}
	m.met.IncRotation()
	m.log.Info("key rotation accepted",
		zap.String("old", oldID.Short()), zap.String("new", newID.Short()))
}

// promoteRotation runs when a link authenticates: if the endpoint arrived
// on a provisional grant, the grant becomes a standing runtime allowlist
// entry and the rotated-from key's grace window starts counting down.
func (m *Manager) promoteRotation(id identity.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prov, ok := m.provisional[id]
	if !ok {
		return
	}
	delete(m.provisional, id)
	m.allow[id] = allowEntry{addr: prov.addr, trust: prov.trust}
	m.log.Info("rotated key promoted to allowlist", zap.String("peer", id.Short()))
}

// SignRotation produces the old-key signature over a rotation statement.
// Exposed for the operator CLI.
func SignRotation(ident *identity.Identity, newID identity.EndpointID, issuedAt uint64) ([]byte, error) {
	return ident.Sign(proto.RotationSignBytes(ident.ID, newID, issuedAt))
}

// AnnounceRotation signs and sends a rotation from this server's current
// key to a successor key, to every connected peer.
func (m *Manager) AnnounceRotation(newID identity.EndpointID, issuedAt uint64) error {
	sig, err := m.ident.Sign(proto.RotationSignBytes(m.ident.ID, newID, issuedAt))
	if err != nil {
		return err
	}
	frame, err := proto.EncodeKeyRotation(proto.KeyRotation{
		OldID:    m.ident.ID.String(),
		NewID:    newID.String(),
		IssuedAt: issuedAt,
		Sig:      hex.EncodeToString(sig),
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		select {
		case p.sendq <- frame:
		default:
		}
	}
	return nil
}

// expireRotations drops provisional grants and grace keys whose windows
// have lapsed. Called from the maintenance loop.
func (m *Manager) expireRotations(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, prov := range m.provisional {
		if now.After(prov.expires) {
			delete(m.provisional, id)
		}
	}
	for id, until := range m.grace {
		if now.After(until) {
			delete(m.grace, id)
		}
	}
}
