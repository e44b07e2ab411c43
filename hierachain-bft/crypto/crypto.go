// Package crypto supplies the signing and hashing capabilities used by the
// consensus core. The core only depends on the Signer, Verifier and Hasher
// interfaces; the implementations here are selected by configuration.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

var (
	ErrUnknownSigner = errors.New("unknown signer")
	ErrBadSignature  = errors.New("invalid signature")
	ErrNoPrivateKey  = errors.New("no private key for local node")
	ErrUnknownHash   = errors.New("unknown hash function")
)

// Signer signs messages on behalf of the local replica.
type Signer interface {
	ID() message.NodeID
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks signatures of any member.
type Verifier interface {
	Verify(signer message.NodeID, msg, sig []byte) error
}

// Hasher computes digests.
type Hasher interface {
	Name() string
	Sum(parts ...[]byte) message.Digest
}

// VerifySigned checks the signature of a signed protocol message.
func VerifySigned(v Verifier, m message.Signed) error {
	return v.Verify(m.Author(), m.SigningBytes(), m.Sig())
}

// Keyring holds the ed25519 public keys of the membership and, optionally,
// the private key of the local replica.
type Keyring struct {
	mu      sync.RWMutex
	self    message.NodeID
	private ed25519.PrivateKey
	public  map[message.NodeID]ed25519.PublicKey
}

// NewKeyring creates a keyring for node self.
func NewKeyring(self message.NodeID, private ed25519.PrivateKey) *Keyring {
	return &Keyring{
		self:    self,
		private: private,
		public:  make(map[message.NodeID]ed25519.PublicKey),
	}
}

// AddPublicKey registers the key of a member.
func (k *Keyring) AddPublicKey(id message.NodeID, key ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[id] = key
}

// AddPublicKeyHex registers a hex encoded member key.
func (k *Keyring) AddPublicKeyHex(id message.NodeID, key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("decode public key of %s: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key of %s has %d bytes", id, len(raw))
	}
	k.AddPublicKey(id, ed25519.PublicKey(raw))
	return nil
}

func (k *Keyring) ID() message.NodeID { return k.self }

func (k *Keyring) Sign(msg []byte) ([]byte, error) {
	if k.private == nil {
		return nil, ErrNoPrivateKey
	}
	return ed25519.Sign(k.private, msg), nil
}

func (k *Keyring) Verify(signer message.NodeID, msg, sig []byte) error {
	k.mu.RLock()
	pub, ok := k.public[signer]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// DeterministicKey derives a key pair from a node id. Only meant for tests
// and local clusters.
func DeterministicKey(id message.NodeID) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, "hierachain-bft-local-seed")
	binary.BigEndian.PutUint32(seed[ed25519.SeedSize-4:], uint32(id))
	return ed25519.NewKeyFromSeed(seed)
}

// LocalKeyrings builds one keyring per id, all knowing each other's keys.
func LocalKeyrings(ids []message.NodeID) map[message.NodeID]*Keyring {
	out := make(map[message.NodeID]*Keyring, len(ids))
	for _, id := range ids {
		out[id] = NewKeyring(id, DeterministicKey(id))
	}
	for _, kr := range out {
		for _, id := range ids {
			kr.AddPublicKey(id, DeterministicKey(id).Public().(ed25519.PublicKey))
		}
	}
	return out
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return "sha256" }

func (sha256Hasher) Sum(parts ...[]byte) message.Digest {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var d message.Digest
	copy(d[:], h.Sum(nil))
	return d
}

type blake2bHasher struct{}

func (blake2bHasher) Name() string { return "blake2b" }

func (blake2bHasher) Sum(parts ...[]byte) message.Digest {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var d message.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// NewHasher returns the hash function registered under name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", "sha256":
		return sha256Hasher{}, nil
	case "blake2b":
		return blake2bHasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}
