// Package channel holds the live, federation-facing view of channels:
// membership (local and per-origin remote), topic, mode flags, bans and
// durable authority. It is a projection — the replicated document is the
// convergent source of truth and is reconciled onto this state on a cadence.
package channel

import "strings"

// Mode flags. While a channel has local members, a remote sync only ever
// makes these more restrictive; the federation sync merge enforces that.
type Modes struct {
	InviteOnly  bool `json:"invite_only"`
	TopicLocked bool `json:"topic_locked"`
	NoExtMsg    bool `json:"no_ext_msg"`
	Moderated   bool `json:"moderated"`
}

// LocalMember is a user attached to this server (fed in via the chat layer).
type LocalMember struct {
	Nick string
	DID  string
	IsOp bool
}

// RemoteMember is a user attached to some peer server, keyed under the
// origin peer that vouches for it.
type RemoteMember struct {
	Nick   string
	DID    string
	Handle string
	IsOp   bool
}

// Ban is a channel ban by hostmask pattern or DID.
type Ban struct {
	Mask  string
	SetBy string
	DID   string
}

// Matches reports whether the ban applies to a hostmask/DID pair. Masks
// starting with "did:" match the DID exactly; everything else is a
// wildcard hostmask pattern.
func (b *Ban) Matches(hostmask, did string) bool {
	if strings.HasPrefix(b.Mask, "did:") {
		return did != "" && b.Mask == did
	}
	return wildcardMatch(b.Mask, hostmask)
}

// State is one channel's live view. All access goes through the Registry
// lock; State itself carries no locking.
type State struct {
	Name      string
	Topic     string
	TopicBy   string
	Modes     Modes
	Key       string
	CreatedAt uint64

	// Local members are authoritative here; remote members are grouped by
	// the origin peer so a dead link can be swept in one pass.
	Local  map[string]*LocalMember
	Remote map[string]map[string]*RemoteMember

	FounderDID string
	DIDOps     map[string]struct{}
	Bans       map[string]*Ban
}

func newState(name string) *State {
	return &State{
		Name:   name,
		Local:  make(map[string]*LocalMember),
		Remote: make(map[string]map[string]*RemoteMember),
		DIDOps: make(map[string]struct{}),
		Bans:   make(map[string]*Ban),
	}
}

// Key normalizes a channel name for all federation-facing lookups.
func Key(name string) string {
	return strings.ToLower(name)
}

func (s *State) HasLocalMembers() bool {
	return len(s.Local) > 0
}

// HasReasonToExist keys retention on "anything worth keeping", not on
// local membership, so founder/ops/ban state survives the last local part.
func (s *State) HasReasonToExist() bool {
	if len(s.Local) > 0 || len(s.Bans) > 0 || len(s.DIDOps) > 0 {
		return true
	}
	for _, members := range s.Remote {
		if len(members) > 0 {
			return true
		}
	}
	if s.Topic != "" || s.FounderDID != "" || s.Key != "" {
		return true
	}
	return s.Modes != Modes{}
}

// RemoteMember finds a remote member by nick across all origins.
func (s *State) RemoteMember(nick string) (origin string, m *RemoteMember) {
	for origin, members := range s.Remote {
		if m, ok := members[nick]; ok {
			return origin, m
		}
	}
	return "", nil
}

// HasRemoteFrom reports whether nick is vouched for by the given origin.
func (s *State) HasRemoteFrom(origin, nick string) bool {
	members, ok := s.Remote[origin]
	if !ok {
		return false
	}
	_, ok = members[nick]
	return ok
}

func (s *State) PutRemote(origin string, m *RemoteMember) {
	members, ok := s.Remote[origin]
	if !ok {
		members = make(map[string]*RemoteMember)
		s.Remote[origin] = members
	}
	members[m.Nick] = m
}

func (s *State) RemoveRemote(origin, nick string) bool {
	members, ok := s.Remote[origin]
	if !ok {
		return false
	}
	if _, ok := members[nick]; !ok {
		return false
	}
	delete(members, nick)
	if len(members) == 0 {
		delete(s.Remote, origin)
	}
	return true
}

// RemoveAnyMember removes a nick wherever it is homed, local or remote
// from any origin. A kick targets the member, not the link it came in on.
func (s *State) RemoveAnyMember(nick string) bool {
	removed := false
	if _, ok := s.Local[nick]; ok {
		delete(s.Local, nick)
		removed = true
	}
	for origin, members := range s.Remote {
		if _, ok := members[nick]; ok {
			delete(members, nick)
			if len(members) == 0 {
				delete(s.Remote, origin)
			}
			removed = true
		}
	}
	return removed
}

// IsBanned checks every ban against the hostmask/DID pair.
func (s *State) IsBanned(hostmask, did string) bool {
	for _, b := range s.Bans {
		if b.Matches(hostmask, did) {
			return true
		}
	}
	return false
}

// IsOpDID reports whether a DID holds durable operator authority.
func (s *State) IsOpDID(did string) bool {
	if did == "" {
		return false
	}
	if s.FounderDID == did {
		return true
	}
	_, ok := s.DIDOps[did]
	return ok
}

// wildcardMatch matches text against an IRC-style pattern where '*' spans
// any run and '?' any single byte.
func wildcardMatch(pattern, text string) bool {
	return wildcardMatchBytes([]byte(strings.ToLower(pattern)), []byte(strings.ToLower(text)))
}

func wildcardMatchBytes(pattern, text []byte) bool {
	if len(pattern) == 0 {
		return len(text) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(text); i++ {
			if wildcardMatchBytes(pattern[1:], text[i:]) {
				return true
			}
		}
		return false
	case '?':
		return len(text) > 0 && wildcardMatchBytes(pattern[1:], text[1:])
	default:
		return len(text) > 0 && pattern[0] == text[0] && wildcardMatchBytes(pattern[1:], text[1:])
	}
}
