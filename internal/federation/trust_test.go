package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/proto"
)

func TestParseTrust(t *testing.T) {
	for in, want := range map[string]TrustLevel{
		"":         TrustFull,
		"full":     TrustFull,
		"relay":    TrustRelay,
		"readonly": TrustReadOnly,
	} {
		got, err := ParseTrust(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}
	_, err := ParseTrust("admin")
	assert.Error(t, err)
}

func TestAuthorizeTable(t *testing.T) {
	statefulKinds := []string{
		proto.EventJoin, proto.EventPart, proto.EventQuit, proto.EventNickChange,
		proto.EventPrivmsg, proto.EventTopic, proto.EventMode, proto.EventKick,
		proto.EventBan, proto.EventChannelCreated,
	}

	// A readonly peer may never originate anything with side effects.
	for _, kind := range statefulKinds {
		assert.False(t, Authorize(kind, TrustReadOnly, "", nil), "readonly %s", kind)
	}
	assert.False(t, Authorize(proto.EventSyncResponse, TrustReadOnly, "", nil))
	assert.False(t, Authorize(proto.EventCRDTSync, TrustReadOnly, "", nil))
	assert.True(t, Authorize(proto.EventSyncRequest, TrustReadOnly, "", nil))

	// Relay carries presence and messages, not administration.
	for _, kind := range []string{proto.EventJoin, proto.EventPart, proto.EventQuit,
		proto.EventNickChange, proto.EventPrivmsg, proto.EventTopic} {
		assert.True(t, Authorize(kind, TrustRelay, "", nil), "relay %s", kind)
	}
	for _, kind := range []string{proto.EventMode, proto.EventKick, proto.EventBan,
		proto.EventChannelCreated, proto.EventSyncResponse, proto.EventCRDTSync} {
		assert.False(t, Authorize(kind, TrustRelay, "", nil), "relay %s", kind)
	}

	// Full may originate everything known, and nothing unknown.
	for _, kind := range statefulKinds {
		assert.True(t, Authorize(kind, TrustFull, "", nil), "full %s", kind)
	}
	assert.False(t, Authorize("made_up_kind", TrustFull, "", nil))
	assert.False(t, Authorize(proto.EventPeerGone, TrustFull, "", nil))
}

func TestAuthorizeActingIdentity(t *testing.T) {
	roster := func(nick string) bool { return nick == "alice" }

	// Administrative kinds claiming an actor need the actor on the peer's
	// own roster.
	assert.True(t, Authorize(proto.EventMode, TrustFull, "alice", roster))
	assert.False(t, Authorize(proto.EventMode, TrustFull, "mallory", roster))
	assert.False(t, Authorize(proto.EventKick, TrustFull, "mallory", roster))
	assert.False(t, Authorize(proto.EventBan, TrustFull, "mallory", roster))
	assert.False(t, Authorize(proto.EventTopic, TrustRelay, "mallory", roster))

	// No roster available means no claimed authority is honored.
	assert.False(t, Authorize(proto.EventMode, TrustFull, "alice", nil))

	// Kinds without an acting identity skip the roster check.
	assert.True(t, Authorize(proto.EventPrivmsg, TrustFull, "", roster))
}
