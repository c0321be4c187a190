// Package identity owns the endpoint's long-lived ed25519 keypair and the
// mapping between public keys and endpoint IDs. The transport layer pins
// TLS certificates to these keys, so the ID proven during the QUIC
// handshake is the trust root for everything above it.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"meshchat/internal/crypto"
)

const idPrefix = "meshchat:endpoint:v1"

// EndpointID is the stable identity of a federation endpoint, derived from
// its ed25519 public key.
type EndpointID [32]byte

func (id EndpointID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex chars, used as a display fallback when a
// peer never supplied a server name.
func (id EndpointID) Short() string {
	return id.String()[:8]
}

func (id EndpointID) IsZero() bool {
	var zero EndpointID
	return id == zero
}

func Derive(pub ed25519.PublicKey) EndpointID {
	buf := make([]byte, 0, len(idPrefix)+len(pub))
	buf = append(buf, []byte(idPrefix)...)
	buf = append(buf, pub...)
	var id EndpointID
	copy(id[:], crypto.SHA3_256(buf))
	return id
}

func Parse(s string) (EndpointID, error) {
	var id EndpointID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("bad endpoint id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Identity is a loaded endpoint keypair.
type Identity struct {
	ID      EndpointID
	PubKey  ed25519.PublicKey
	PrivKey ed25519.PrivateKey
}

// Load reads the keypair from home, generating and persisting a fresh one
// on first run.
func Load(home string) (*Identity, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadKeypair(home)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		pub, priv, err = crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeypair(home, pub, priv); err != nil {
			return nil, err
		}
	}
	return &Identity{ID: Derive(pub), PubKey: pub, PrivKey: priv}, nil
}

// Sign signs msg with the identity key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(i.PrivKey, msg)
}

// SnapshotKey derives the at-rest sealing key for the replicated document
// from the identity key, so the sealed snapshot is unreadable without the
// endpoint's key material.
func (i *Identity) SnapshotKey() []byte {
	return crypto.KDF("meshchat:snapshot:v1", i.PrivKey.Seed())
}
