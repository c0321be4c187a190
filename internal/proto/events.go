package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event kinds carried inside verified envelopes.
const (
	EventJoin           = "join"
	EventPart           = "part"
	EventQuit           = "quit"
	EventNickChange     = "nick_change"
	EventPrivmsg        = "privmsg"
	EventTopic          = "topic"
	EventMode           = "mode"
	EventKick           = "kick"
	EventBan            = "ban"
	EventChannelCreated = "channel_created"
	EventSyncRequest    = "sync_request"
	EventSyncResponse   = "sync_response"
	EventCRDTSync       = "crdt_sync"

	// EventPeerGone is synthesized locally when a link closes; it never
	// travels on the wire.
	EventPeerGone = "peer_gone"
)

// Event is the federation domain event. One struct covers the whole tagged
// union; which fields are meaningful depends on Type.
type Event struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Origin  string `json:"origin,omitempty"`

	Channel string `json:"channel,omitempty"`
	Nick    string `json:"nick,omitempty"`

	// join
	DID    string `json:"did,omitempty"`
	Handle string `json:"handle,omitempty"`
	IsOp   bool   `json:"is_op,omitempty"`

	// nick_change
	OldNick string `json:"old,omitempty"`
	NewNick string `json:"new,omitempty"`

	// privmsg
	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`

	// topic / mode / kick / ban
	Topic  string `json:"topic,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Arg    string `json:"arg,omitempty"`
	SetBy  string `json:"set_by,omitempty"`
	By     string `json:"by,omitempty"`
	Reason string `json:"reason,omitempty"`
	Mask   string `json:"mask,omitempty"`
	Remove bool   `json:"remove,omitempty"`

	// channel_created
	FounderDID string   `json:"founder_did,omitempty"`
	DIDOps     []string `json:"did_ops,omitempty"`
	CreatedAt  uint64   `json:"created_at,omitempty"`

	// sync_response
	Channels []ChannelInfo `json:"channels,omitempty"`

	// crdt_sync
	SyncData []byte `json:"sync_data,omitempty"`
}

// SyncMember is the per-user entry of a channel sync.
type SyncMember struct {
	Nick   string `json:"nick"`
	IsOp   bool   `json:"is_op,omitempty"`
	DID    string `json:"did,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// ChannelInfo is one channel's worth of a sync response.
type ChannelInfo struct {
	Name        string       `json:"name"`
	Topic       string       `json:"topic,omitempty"`
	Members     []SyncMember `json:"members,omitempty"`
	FounderDID  string       `json:"founder_did,omitempty"`
	DIDOps      []string     `json:"did_ops,omitempty"`
	CreatedAt   uint64       `json:"created_at,omitempty"`
	TopicLocked bool         `json:"topic_locked,omitempty"`
	InviteOnly  bool         `json:"invite_only,omitempty"`
	NoExtMsg    bool         `json:"no_ext_msg,omitempty"`
	Moderated   bool         `json:"moderated,omitempty"`
	Key         string       `json:"key,omitempty"`
}

func EncodeEvent(e Event) ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("missing event type")
	}
	return json.Marshal(e)
}

func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("missing event type")
	}
	return e, nil
}

// FormatEventID builds "{origin}:{counter}".
func FormatEventID(origin string, counter uint64) string {
	return origin + ":" + strconv.FormatUint(counter, 10)
}

// EventIDCounter extracts the counter portion of an event ID. Returns
// false for legacy or malformed IDs, which skip high-water dedup.
func EventIDCounter(eventID string) (uint64, bool) {
	idx := strings.LastIndexByte(eventID, ':')
	if idx < 0 {
		return 0, false
	}
	c, err := strconv.ParseUint(eventID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

// Stateful reports whether an event kind participates in dedup and trust
// enforcement (i.e. it can produce local side effects).
func Stateful(kind string) bool {
	switch kind {
	case EventJoin, EventPart, EventQuit, EventNickChange, EventPrivmsg,
		EventTopic, EventMode, EventKick, EventBan, EventChannelCreated:
		return true
	default:
		return false
	}
}
