package federation

import (
	"time"

	"go.uber.org/zap"

	"meshchat/internal/channel"
	"meshchat/internal/crdt"
	"meshchat/internal/identity"
	"meshchat/internal/proto"
)

// requestSync asks one peer for its state. Sync traffic is always
// targeted at a single link; it is never broadcast, so a sync can never
// amplify across the mesh.
func (m *Manager) requestSync(id identity.EndpointID) {
	frame, err := m.sealEvent(proto.Event{
		Type:    proto.EventSyncRequest,
		Origin:  m.ident.ID.String(),
		EventID: m.nextEventID(),
	})
	if err != nil {
		m.log.Error("seal sync request", zap.Error(err))
		return
	}
	m.sendTo(id, frame)
}

// serveSync answers a sync request with our live channels and the full
// replicated document.
func (m *Manager) serveSync(id identity.EndpointID) {
	resp := proto.Event{
		Type:     proto.EventSyncResponse,
		Origin:   m.ident.ID.String(),
		EventID:  m.nextEventID(),
		Channels: m.snapshotChannels(),
	}
	frame, err := m.sealEvent(resp)
	if err != nil {
		m.log.Error("seal sync response", zap.Error(err))
		return
	}
	m.sendTo(id, frame)
	m.sendCRDTSync(id)
}

// sendCRDTSync ships the whole document to one peer.
func (m *Manager) sendCRDTSync(id identity.EndpointID) {
	data, err := crdt.EncodeState(m.doc.State())
	if err != nil {
		m.log.Error("encode sync state", zap.Error(err))
		return
	}
	frame, err := m.sealEvent(proto.Event{
		Type:     proto.EventCRDTSync,
		Origin:   m.ident.ID.String(),
		EventID:  m.nextEventID(),
		SyncData: data,
	})
	if err != nil {
		m.log.Error("seal sync state", zap.Error(err))
		return
	}
	m.sendTo(id, frame)
}

// snapshotChannels captures the live view for a sync response. Only local
// members are announced: a server vouches for its own users, never for
// presence it merely heard about.
func (m *Manager) snapshotChannels() []proto.ChannelInfo {
	var out []proto.ChannelInfo
	m.reg.ForEach(func(st *channel.State) {
		info := proto.ChannelInfo{
			Name:        st.Name,
			Topic:       st.Topic,
			FounderDID:  st.FounderDID,
			CreatedAt:   st.CreatedAt,
			TopicLocked: st.Modes.TopicLocked,
			InviteOnly:  st.Modes.InviteOnly,
			NoExtMsg:    st.Modes.NoExtMsg,
			Moderated:   st.Modes.Moderated,
			Key:         st.Key,
		}
		for did := range st.DIDOps {
			info.DIDOps = append(info.DIDOps, did)
		}
		for _, lm := range st.Local {
			info.Members = append(info.Members, proto.SyncMember{
				Nick: lm.Nick, IsOp: lm.IsOp, DID: lm.DID,
			})
		}
		out = append(out, info)
	})
	return out
}

// mergeSyncResponse folds a peer's announced channels into live state.
// New channels count against the peer's creation budget. For channels
// that have local members, mode flags only ever become more restrictive
// from a sync: a peer's view may add a lock, never remove one.
func (m *Manager) mergeSyncResponse(from identity.EndpointID, ev proto.Event) {
	origin := from.String()
	for _, info := range ev.Channels {
		exists := m.reg.Exists(info.Name)
		if !exists && !m.allowCreate(from) {
			m.log.Warn("sync channel creation budget exhausted",
				zap.String("peer", from.Short()), zap.String("channel", info.Name))
			continue
		}
		m.reg.WithCreate(info.Name, func(st *channel.State) {
			local := st.HasLocalMembers()

			if st.Topic == "" {
				st.Topic = info.Topic
			}
			if st.FounderDID == "" {
				st.FounderDID = info.FounderDID
			}
			if st.CreatedAt == 0 {
				st.CreatedAt = info.CreatedAt
			}
			for _, did := range info.DIDOps {
				st.DIDOps[did] = struct{}{}
			}

			if local {
				st.Modes.TopicLocked = st.Modes.TopicLocked || info.TopicLocked
				st.Modes.InviteOnly = st.Modes.InviteOnly || info.InviteOnly
				st.Modes.NoExtMsg = st.Modes.NoExtMsg || info.NoExtMsg
				st.Modes.Moderated = st.Modes.Moderated || info.Moderated
				if st.Key == "" {
					st.Key = info.Key
				}
			} else {
				st.Modes = channel.Modes{
					TopicLocked: info.TopicLocked,
					InviteOnly:  info.InviteOnly,
					NoExtMsg:    info.NoExtMsg,
					Moderated:   info.Moderated,
				}
				st.Key = info.Key
			}

			// The peer's member list replaces what it previously vouched
			// for; members it no longer lists are gone.
			delete(st.Remote, origin)
			for _, sm := range info.Members {
				st.PutRemote(origin, &channel.RemoteMember{
					Nick: sm.Nick, IsOp: sm.IsOp, DID: sm.DID, Handle: sm.Handle,
				})
			}
		})
		m.deliver(proto.Event{Type: proto.EventSyncResponse, Channel: info.Name, Origin: origin})
	}
	m.met.IncApplied()
}

// mergeCRDTSync folds a peer's document into ours and reconciles the
// live view. If anything changed we ship our merged document back, so
// both sides converge after one round trip.
func (m *Manager) mergeCRDTSync(from identity.EndpointID, ev proto.Event) {
	entries, err := crdt.DecodeState(ev.SyncData)
	if err != nil {
		m.met.IncDropMalformed()
		m.log.Warn("malformed sync state", zap.String("peer", from.Short()))
		return
	}
	changed := m.doc.Merge(entries)
	m.met.IncMerges()
	if len(changed) == 0 {
		return
	}
	m.log.Debug("merged peer state",
		zap.String("peer", from.Short()), zap.Int("changed_keys", len(changed)))
	m.reconcileFromDoc()
	m.sendCRDTSync(from)
}

// allowCreate charges one channel creation against a peer's bounded
// budget. The budget exists so a compromised-but-allowlisted peer cannot
// flood the channel table through sync.
func (m *Manager) allowCreate(id identity.EndpointID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b, ok := m.budgets[id]
	if !ok || now.Sub(b.windowStart) > createBudgetWindow {
		b = &createBudget{windowStart: now}
		m.budgets[id] = b
	}
	if b.count >= createBudgetMax {
		return false
	}
	b.count++
	return true
}
