package federation

import (
	"go.uber.org/zap"

	"meshchat/internal/channel"
	"meshchat/internal/crdt"
	"meshchat/internal/identity"
	"meshchat/internal/metrics"
	"meshchat/internal/proto"
)

// applyRemote is the reducer for verified, deduplicated, authorized events
// from a peer. Stateful events are re-relayed to the rest of the mesh
// (minus the link they arrived on) after they take local effect.
func (m *Manager) applyRemote(from identity.EndpointID, ev proto.Event) {
	origin := ev.Origin
	if origin == "" {
		origin = from.String()
	}

	switch ev.Type {
	case proto.EventMode, proto.EventKick, proto.EventBan:
		if !m.actorHasChannelOps(ev.Channel, origin, claimedActor(ev)) {
			m.met.IncDropUnauthorized()
			m.log.Warn("administrative event from actor without ops",
				zap.String("peer", from.Short()),
				zap.String("kind", ev.Type),
				zap.String("channel", ev.Channel))
			return
		}
	}

	applied := true
	switch ev.Type {
	case proto.EventJoin:
		m.reg.WithCreate(ev.Channel, func(st *channel.State) {
			st.PutRemote(origin, &channel.RemoteMember{
				Nick: ev.Nick, DID: ev.DID, Handle: ev.Handle, IsOp: ev.IsOp,
			})
		})

	case proto.EventPart:
		m.reg.With(ev.Channel, func(st *channel.State) {
			applied = st.RemoveRemote(origin, ev.Nick)
		})

	case proto.EventQuit:
		m.reg.ForEach(func(st *channel.State) {
			st.RemoveRemote(origin, ev.Nick)
		})

	case proto.EventNickChange:
		m.reg.RenameRemote(origin, ev.OldNick, ev.NewNick)

	case proto.EventPrivmsg:
		applied = m.admitPrivmsg(ev)

	case proto.EventTopic:
		applied = m.applyRemoteTopic(ev)

	case proto.EventMode:
		m.reg.With(ev.Channel, func(st *channel.State) {
			applied = applyModeChange(st, ev.Mode, ev.Arg)
		})

	case proto.EventKick:
		applied = false
		m.reg.With(ev.Channel, func(st *channel.State) {
			applied = st.RemoveAnyMember(ev.Nick)
		})

	case proto.EventBan:
		m.applyBan(ev)

	case proto.EventChannelCreated:
		if !m.reg.Exists(ev.Channel) && !m.allowCreate(from) {
			m.log.Warn("channel creation budget exhausted",
				zap.String("peer", from.Short()), zap.String("channel", ev.Channel))
			return
		}
		m.applyChannelCreated(ev)

	case proto.EventSyncRequest:
		m.serveSync(from)
		return

	case proto.EventSyncResponse:
		m.mergeSyncResponse(from, ev)
		return

	case proto.EventCRDTSync:
		m.mergeCRDTSync(from, ev)
		return

	default:
		m.met.IncDropMalformed()
		return
	}

	if !applied {
		return
	}
	m.met.IncApplied()
	header := metrics.EventHeader{
		EventID: ev.EventID, Origin: origin, Kind: ev.Type, Channel: ev.Channel,
	}
	m.met.RecordEvent(header)
	m.audit(header)
	m.deliver(ev)
	if proto.Stateful(ev.Type) {
		m.enqueueBroadcast(outbound{ev: ev, exclude: from})
	}
}

// admitPrivmsg enforces live channel policy on remote messages: bans,
// moderation, and the no-external-messages flag.
func (m *Manager) admitPrivmsg(ev proto.Event) bool {
	if ev.Channel == "" {
		// Direct message to a local user; nothing to police here.
		return true
	}
	ok := false
	m.reg.With(ev.Channel, func(st *channel.State) {
		_, member := st.RemoteMember(ev.From)
		if st.IsBanned(ev.From, memberDID(member)) {
			return
		}
		if st.Modes.NoExtMsg && member == nil {
			return
		}
		if st.Modes.Moderated {
			if member == nil || !(member.IsOp || st.IsOpDID(member.DID)) {
				return
			}
		}
		ok = true
	})
	return ok
}

// actorHasChannelOps reports whether the named acting identity holds ops
// in the channel, live or through a durable DID grant. An unnamed actor
// is the peer server itself acting with its own (already trust-checked)
// authority.
func (m *Manager) actorHasChannelOps(chName, origin, actor string) bool {
	if actor == "" {
		return true
	}
	ok := false
	m.reg.With(chName, func(st *channel.State) {
		if member, found := st.Remote[origin][actor]; found {
			ok = member.IsOp || st.IsOpDID(member.DID)
		}
	})
	return ok
}

func memberDID(m *channel.RemoteMember) string {
	if m == nil {
		return ""
	}
	return m.DID
}

// applyRemoteTopic honors the topic lock: on a +t channel only an actor
// with ops (live or durable) may change the topic.
func (m *Manager) applyRemoteTopic(ev proto.Event) bool {
	ok := false
	m.reg.WithCreate(ev.Channel, func(st *channel.State) {
		if st.Modes.TopicLocked {
			_, member := st.RemoteMember(ev.SetBy)
			if member == nil || !(member.IsOp || st.IsOpDID(member.DID)) {
				return
			}
		}
		st.Topic = ev.Topic
		st.TopicBy = ev.SetBy
		ok = true
	})
	if ok {
		m.doc.Set(crdt.TopicKey(channel.Key(ev.Channel)), ev.Topic)
	}
	return ok
}

func (m *Manager) applyBan(ev proto.Event) {
	key := channel.Key(ev.Channel)
	m.reg.WithCreate(ev.Channel, func(st *channel.State) {
		if ev.Remove {
			delete(st.Bans, ev.Mask)
		} else {
			st.Bans[ev.Mask] = &channel.Ban{Mask: ev.Mask, SetBy: ev.By, DID: ev.DID}
		}
	})
	if ev.Remove {
		m.doc.Delete(crdt.BanKey(key, ev.Mask))
	} else {
		m.doc.Set(crdt.BanKey(key, ev.Mask), ev.By)
	}
}

func (m *Manager) applyChannelCreated(ev proto.Event) {
	key := channel.Key(ev.Channel)
	m.reg.WithCreate(ev.Channel, func(st *channel.State) {
		if st.FounderDID == "" {
			st.FounderDID = ev.FounderDID
		}
		for _, did := range ev.DIDOps {
			st.DIDOps[did] = struct{}{}
		}
		if st.CreatedAt == 0 {
			st.CreatedAt = ev.CreatedAt
		}
	})
	// Founder is a conditional put: the durable entry is written once and
	// later creations cannot replace it with a higher clock.
	if ev.FounderDID != "" {
		if _, ok := m.doc.Get(crdt.FounderKey(key)); !ok {
			m.doc.Set(crdt.FounderKey(key), ev.FounderDID)
		}
	}
	for _, did := range ev.DIDOps {
		m.doc.Set(crdt.DIDOpKey(key, did), ev.FounderDID)
	}
}

// applyModeChange interprets a single "+x"/"-x" flag change against live
// state. Unknown flags are ignored.
func applyModeChange(st *channel.State, mode, arg string) bool {
	if len(mode) != 2 {
		return false
	}
	set := mode[0] == '+'
	if !set && mode[0] != '-' {
		return false
	}
	switch mode[1] {
	case 'i':
		st.Modes.InviteOnly = set
	case 't':
		st.Modes.TopicLocked = set
	case 'n':
		st.Modes.NoExtMsg = set
	case 'm':
		st.Modes.Moderated = set
	case 'k':
		if set {
			st.Key = arg
		} else {
			st.Key = ""
		}
	default:
		return false
	}
	return true
}

// applyLocalEffects mirrors a locally originated event into the live
// registry and the replicated document before it is broadcast.
func (m *Manager) applyLocalEffects(ev proto.Event) {
	switch ev.Type {
	case proto.EventJoin:
		m.reg.WithCreate(ev.Channel, func(st *channel.State) {
			st.Local[ev.Nick] = &channel.LocalMember{Nick: ev.Nick, DID: ev.DID, IsOp: ev.IsOp}
		})

	case proto.EventPart:
		m.reg.With(ev.Channel, func(st *channel.State) {
			delete(st.Local, ev.Nick)
		})

	case proto.EventQuit:
		m.reg.ForEach(func(st *channel.State) {
			delete(st.Local, ev.Nick)
		})

	case proto.EventNickChange:
		m.reg.ForEach(func(st *channel.State) {
			if lm, ok := st.Local[ev.OldNick]; ok {
				delete(st.Local, ev.OldNick)
				lm.Nick = ev.NewNick
				st.Local[ev.NewNick] = lm
			}
		})

	case proto.EventTopic:
		m.reg.WithCreate(ev.Channel, func(st *channel.State) {
			st.Topic = ev.Topic
			st.TopicBy = ev.SetBy
		})
		m.doc.Set(crdt.TopicKey(channel.Key(ev.Channel)), ev.Topic)

	case proto.EventMode:
		m.reg.WithCreate(ev.Channel, func(st *channel.State) {
			applyModeChange(st, ev.Mode, ev.Arg)
		})

	case proto.EventKick:
		m.reg.With(ev.Channel, func(st *channel.State) {
			st.RemoveAnyMember(ev.Nick)
		})

	case proto.EventBan:
		m.applyBan(ev)

	case proto.EventChannelCreated:
		m.applyChannelCreated(ev)
	}
}
