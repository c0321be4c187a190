package federation

import (
	"fmt"

	"meshchat/internal/proto"
)

// TrustLevel grades what an authenticated peer's events may do locally.
// Capability strictly narrows: Full ⊇ Relay ⊇ ReadOnly.
type TrustLevel int

const (
	TrustReadOnly TrustLevel = iota
	TrustRelay
	TrustFull
)

func (t TrustLevel) String() string {
	switch t {
	case TrustFull:
		return "full"
	case TrustRelay:
		return "relay"
	default:
		return "readonly"
	}
}

// ParseTrust maps the config/wire spelling. Empty defaults to full, which
// matches how peerings ran before levels existed.
func ParseTrust(s string) (TrustLevel, error) {
	switch s {
	case "", "full":
		return TrustFull, nil
	case "relay":
		return TrustRelay, nil
	case "readonly":
		return TrustReadOnly, nil
	default:
		return TrustReadOnly, fmt.Errorf("unknown trust level %q", s)
	}
}

// Authorize is the single gate deciding whether an event from a peer at
// the given trust level, claiming actor as the acting identity, may reach
// the reducer. roster reports whether a nick is on the peer's own
// remote-member roster for the event's channel; it is consulted only for
// kinds that carry an acting identity, so a peer cannot mint authority by
// naming an arbitrary nick. Administrative kinds clear a second gate in
// the reducer: the named actor must hold ops, live or through a durable
// DID grant.
//
// This is a pure function. Callers log and silently drop on false; there
// is never a protocol-level rejection, so a probing peer learns nothing
// about local trust configuration.
func Authorize(kind string, level TrustLevel, actor string, roster func(nick string) bool) bool {
	if !kindAllowed(kind, level) {
		return false
	}
	if actor == "" {
		return true
	}
	switch kind {
	case proto.EventTopic, proto.EventMode, proto.EventKick, proto.EventBan:
		return roster != nil && roster(actor)
	default:
		return true
	}
}

func kindAllowed(kind string, level TrustLevel) bool {
	switch kind {
	// Reads never mutate local state, any authenticated peer may ask.
	case proto.EventSyncRequest:
		return true
	// Presence and messages.
	case proto.EventJoin, proto.EventPart, proto.EventQuit,
		proto.EventNickChange, proto.EventPrivmsg:
		return level >= TrustRelay
	// Topic is writable at relay level; the reducer still refuses it on
	// topic-locked channels unless the actor holds ops.
	case proto.EventTopic:
		return level >= TrustRelay
	// Administrative actions and state injection.
	case proto.EventMode, proto.EventKick, proto.EventBan,
		proto.EventChannelCreated, proto.EventSyncResponse, proto.EventCRDTSync:
		return level >= TrustFull
	default:
		return false
	}
}
