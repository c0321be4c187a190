package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"time"
)

// ALPN for federation links.
const ALPN = "meshchat/fed/1"

// Certificate builds a self-signed TLS cert whose key IS the identity key.
// Peers ignore the certificate chain entirely and pin the raw public key,
// so validity bounds and subject contents carry no trust.
func (i *Identity) Certificate() (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"meshchat"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, i.PubKey, i.PrivKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: i.PrivKey}, nil
}

// ServerTLS returns the listener-side config. Client certs are required:
// an inbound peer that cannot prove a key never reaches the handshake.
func (i *Identity) ServerTLS() (*tls.Config, error) {
	cert, err := i.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		// Chain validation is replaced by key pinning after the handshake.
		VerifyPeerCertificate: verifyPinnedKey,
	}, nil
}

// ClientTLS returns the dialer-side config, optionally pinned to the
// expected remote endpoint ID.
func (i *Identity) ClientTLS(expect EndpointID) (*tls.Config, error) {
	cert, err := i.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
		// Self-signed identity certs: skip chain verification, then pin.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			pub, err := peerKeyFromRaw(rawCerts)
			if err != nil {
				return err
			}
			if !expect.IsZero() && Derive(pub) != expect {
				return errors.New("remote key does not match expected endpoint id")
			}
			return nil
		},
	}, nil
}

func verifyPinnedKey(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	_, err := peerKeyFromRaw(rawCerts)
	return err
}

func peerKeyFromRaw(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("no peer certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("peer certificate key is not ed25519")
	}
	return pub, nil
}

// PeerKey extracts the transport-proven public key from a completed TLS
// handshake. This is the only place a remote identity enters the system.
func PeerKey(state tls.ConnectionState) (ed25519.PublicKey, EndpointID, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, EndpointID{}, errors.New("no peer certificate")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, EndpointID{}, errors.New("peer certificate key is not ed25519")
	}
	return pub, Derive(pub), nil
}
