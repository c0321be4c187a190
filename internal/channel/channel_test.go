package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern, text string
		want          bool
	}{
		{"*", "anything", true},
		{"*!*@*.example.com", "alice!u@host.example.com", true},
		{"*!*@*.example.com", "alice!u@example.org", false},
		{"al?ce", "alice", true},
		{"al?ce", "alce", false},
		{"ALICE*", "alice!u@h", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, wildcardMatch(tc.pattern, tc.text), "%q vs %q", tc.pattern, tc.text)
	}
}

func TestBanMatchesDID(t *testing.T) {
	b := &Ban{Mask: "did:key:z6MkAlice"}
	assert.True(t, b.Matches("alice!u@h", "did:key:z6MkAlice"))
	assert.False(t, b.Matches("alice!u@h", "did:key:z6MkBob"))
	assert.False(t, b.Matches("did:key:z6mkalice!u@h", ""))
}

func TestRegistryCreateAndKeyFolding(t *testing.T) {
	reg := NewRegistry()
	created := reg.WithCreate("#Go", func(st *State) {
		st.Topic = "gophers"
	})
	require.True(t, created)

	created = reg.WithCreate("#GO", func(st *State) {
		assert.Equal(t, "gophers", st.Topic)
	})
	assert.False(t, created)
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Exists("#gO"))
}

func TestRemoveOrigin(t *testing.T) {
	reg := NewRegistry()
	reg.WithCreate("#a", func(st *State) {
		st.PutRemote("peer1", &RemoteMember{Nick: "alice"})
		st.PutRemote("peer1", &RemoteMember{Nick: "bob"})
		st.PutRemote("peer2", &RemoteMember{Nick: "carol"})
	})
	reg.WithCreate("#b", func(st *State) {
		st.PutRemote("peer1", &RemoteMember{Nick: "alice"})
	})

	gone := reg.RemoveOrigin("peer1")
	assert.ElementsMatch(t, gone["#a"], []string{"alice", "bob"})
	assert.ElementsMatch(t, gone["#b"], []string{"alice"})

	reg.With("#a", func(st *State) {
		assert.True(t, st.HasRemoteFrom("peer2", "carol"))
		assert.False(t, st.HasRemoteFrom("peer1", "alice"))
	})
}

func TestRenameRemote(t *testing.T) {
	reg := NewRegistry()
	reg.WithCreate("#a", func(st *State) {
		st.PutRemote("peer1", &RemoteMember{Nick: "alice", IsOp: true})
	})
	affected := reg.RenameRemote("peer1", "alice", "alyce")
	assert.Equal(t, []string{"#a"}, affected)
	reg.With("#a", func(st *State) {
		_, m := st.RemoteMember("alyce")
		require.NotNil(t, m)
		assert.True(t, m.IsOp)
		_, m = st.RemoteMember("alice")
		assert.Nil(t, m)
	})
}

func TestHasReasonToExist(t *testing.T) {
	st := newState("#x")
	assert.False(t, st.HasReasonToExist())

	st.Topic = "t"
	assert.True(t, st.HasReasonToExist())
	st.Topic = ""

	st.Modes.InviteOnly = true
	assert.True(t, st.HasReasonToExist())
	st.Modes.InviteOnly = false

	st.Bans["*!*@bad"] = &Ban{Mask: "*!*@bad"}
	assert.True(t, st.HasReasonToExist())
	delete(st.Bans, "*!*@bad")

	st.Local["alice"] = &LocalMember{Nick: "alice"}
	assert.True(t, st.HasReasonToExist())
}

func TestPruneKeepsDurableState(t *testing.T) {
	reg := NewRegistry()
	reg.WithCreate("#empty", func(st *State) {})
	reg.WithCreate("#founded", func(st *State) {
		st.FounderDID = "did:key:z6MkAlice"
	})
	pruned := reg.Prune()
	assert.Equal(t, []string{"#empty"}, pruned)
	assert.True(t, reg.Exists("#founded"))
}

func TestIsOpDID(t *testing.T) {
	st := newState("#x")
	st.FounderDID = "did:f"
	st.DIDOps["did:o"] = struct{}{}
	assert.True(t, st.IsOpDID("did:f"))
	assert.True(t, st.IsOpDID("did:o"))
	assert.False(t, st.IsOpDID("did:other"))
	assert.False(t, st.IsOpDID(""))
}

func TestRemoveAnyMember(t *testing.T) {
	st := newState("#x")
	st.Local["alice"] = &LocalMember{Nick: "alice"}
	st.PutRemote("originA", &RemoteMember{Nick: "bob"})
	st.PutRemote("originB", &RemoteMember{Nick: "bob"})

	assert.True(t, st.RemoveAnyMember("alice"))
	assert.NotContains(t, st.Local, "alice")

	// The same nick homed on two origins goes everywhere at once.
	assert.True(t, st.RemoveAnyMember("bob"))
	assert.False(t, st.HasRemoteFrom("originA", "bob"))
	assert.False(t, st.HasRemoteFrom("originB", "bob"))
	assert.Empty(t, st.Remote)

	assert.False(t, st.RemoveAnyMember("nobody"))
}
