package federation

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/channel"
	"meshchat/internal/crdt"
)

// maintenanceLoop drives the periodic work: reconciliation of the live
// view against the replicated document, anti-entropy sync with every
// connected peer, document compaction and sealing, rotation expiry, and
// the metrics snapshot file.
func (m *Manager) maintenanceLoop(ctx context.Context) {
	reconcile := time.NewTicker(m.cfg.ReconcileInterval())
	compact := time.NewTicker(m.cfg.CompactInterval())
	metricsTick := time.NewTicker(time.Minute)
	defer reconcile.Stop()
	defer compact.Stop()
	defer metricsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-reconcile.C:
			m.reconcileFromDoc()
			m.expireRotations(time.Now())
			m.met.IncReconciles()
			for _, id := range m.Peers() {
				m.sendCRDTSync(id)
			}

		case <-compact.C:
			dropped := m.doc.Compact()
			if err := m.doc.SaveSealed(m.snapshotPath, m.ident.SnapshotKey()); err != nil {
				m.log.Error("seal state snapshot", zap.Error(err))
				continue
			}
			m.met.IncCompactions()
			m.log.Debug("compacted state", zap.Int("tombstones_dropped", dropped))

		case <-metricsTick.C:
			if err := m.met.WriteSnapshot(m.cfg.MetricsFile); err != nil {
				m.log.Warn("write metrics snapshot", zap.Error(err))
			}
		}
	}
}

// docView is one channel's durable state as the document sees it.
type docView struct {
	topic    string
	hasTopic bool
	founder  string
	didOps   map[string]struct{}
	bans     map[string]string // mask -> set_by
}

// reconcileFromDoc projects the replicated document onto the live
// registry. The document is authoritative for durable state: topics,
// founders, operator grants and bans. Presence and mode flags are live
// state and are left alone. Channels with no remaining reason to exist
// are pruned afterwards.
func (m *Manager) reconcileFromDoc() {
	views := make(map[string]*docView)
	view := func(ch string) *docView {
		v, ok := views[ch]
		if !ok {
			v = &docView{didOps: make(map[string]struct{}), bans: make(map[string]string)}
			views[ch] = v
		}
		return v
	}

	for key, e := range m.doc.State() {
		if e.Deleted {
			continue
		}
		switch {
		case strings.HasPrefix(key, crdt.PrefixTopic):
			v := view(key[len(crdt.PrefixTopic):])
			v.topic, v.hasTopic = e.Value, true
		case strings.HasPrefix(key, crdt.PrefixFounder):
			view(key[len(crdt.PrefixFounder):]).founder = e.Value
		case strings.HasPrefix(key, crdt.PrefixDIDOp):
			ch, did, ok := splitChannelKey(key[len(crdt.PrefixDIDOp):])
			if ok {
				view(ch).didOps[did] = struct{}{}
			}
		case strings.HasPrefix(key, crdt.PrefixBan):
			ch, mask, ok := splitChannelKey(key[len(crdt.PrefixBan):])
			if ok {
				view(ch).bans[mask] = e.Value
			}
		}
	}

	for ch, v := range views {
		m.reg.WithCreate(ch, func(st *channel.State) {
			if v.hasTopic {
				st.Topic = v.topic
			}
			if v.founder != "" {
				st.FounderDID = v.founder
			}
			st.DIDOps = v.didOps
			bans := make(map[string]*channel.Ban, len(v.bans))
			for mask, by := range v.bans {
				bans[mask] = &channel.Ban{Mask: mask, SetBy: by}
			}
			st.Bans = bans
		})
	}

	for _, name := range m.reg.Prune() {
		m.log.Debug("pruned empty channel", zap.String("channel", name))
	}
}

// splitChannelKey splits "<channel>:<rest>" at the first colon. Channel
// names cannot contain colons; the rest (a mask or DID) may.
func splitChannelKey(s string) (string, string, bool) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// Topic reads the durable topic for a channel straight from the document.
func (m *Manager) Topic(name string) (string, bool) {
	return m.doc.Get(crdt.TopicKey(channel.Key(name)))
}

// NickOwner reads the durable nick registration for a nick.
func (m *Manager) NickOwner(nick string) (string, bool) {
	return m.doc.Get(crdt.NickOwnerKey(nick))
}

// RegisterNick durably claims a nick for a DID and replicates the claim.
func (m *Manager) RegisterNick(nick, did string) {
	m.doc.Set(crdt.NickOwnerKey(nick), did)
}
