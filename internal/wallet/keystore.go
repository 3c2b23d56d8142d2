package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

// Secp256k1 key scheme flag prefixed to addresses and serialized signatures.
const SchemeSecp256k1 byte = 0x01

// Derivation path: m/54'/784'/0'/0/{index}
const (
	purposeSecp256k1 = 54
	coinTypeSui      = 784
)

const (
	sigLen       = 64
	pubKeyLen    = 33
	serializedSz = 1 + sigLen + pubKeyLen
)

// intentTransaction prefixes transaction bytes before hashing: scope, version, app id.
var intentTransaction = []byte{0x00, 0x00, 0x00}

var (
	ErrInvalidMnemonic  = errors.New("wallet: invalid mnemonic")
	ErrInvalidSignature = errors.New("wallet: malformed signature")
)

// Keystore holds one secp256k1 account derived from a BIP-39 mnemonic.
type Keystore struct {
	priv    *btcec.PrivateKey
	pub     *btcec.PublicKey
	address string
	path    string
}

// NewMnemonic returns a fresh 12-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NewKeystore derives the account at index 0 of mnemonic.
func NewKeystore(mnemonic, passphrase string) (*Keystore, error) {
	return NewKeystoreAt(mnemonic, passphrase, 0)
}

// NewKeystoreAt derives the account at the given index of mnemonic.
func NewKeystoreAt(mnemonic, passphrase string, index uint32) (*Keystore, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	key, err := deriveKey(seed, purposeSecp256k1, coinTypeSui, index)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	priv, pub := btcec.PrivKeyFromBytes(key[:32])
	return &Keystore{
		priv:    priv,
		pub:     pub,
		address: AddressFromPublicKey(pub.SerializeCompressed()),
		path:    fmt.Sprintf("m/%d'/%d'/0'/0/%d", purposeSecp256k1, coinTypeSui, index),
	}, nil
}

// Address returns the 0x-prefixed account address.
func (k *Keystore) Address() string {
	return k.address
}

// DerivationPath returns the BIP-32 path the key was derived along.
func (k *Keystore) DerivationPath() string {
	return k.path
}

// PublicKey returns the 33-byte compressed public key.
func (k *Keystore) PublicKey() []byte {
	return k.pub.SerializeCompressed()
}

// Sign returns flag || r || s || pubkey over the intent digest of txBytes.
func (k *Keystore) Sign(txBytes []byte) []byte {
	digest := TransactionDigest(txBytes)
	hash := sha256.Sum256(digest[:])

	// SignCompact prefixes a recovery byte; the wire format carries r||s only.
	compact := ecdsa.SignCompact(k.priv, hash[:], true)

	out := make([]byte, 0, serializedSz)
	out = append(out, SchemeSecp256k1)
	out = append(out, compact[1:]...)
	out = append(out, k.pub.SerializeCompressed()...)
	return out
}

// TransactionDigest is blake2b-256 over the intent-prefixed transaction bytes.
func TransactionDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(intentTransaction)+len(txBytes))
	msg = append(msg, intentTransaction...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}

// AddressFromPublicKey derives 0x || hex(blake2b-256(flag || compressed pubkey)).
func AddressFromPublicKey(compressed []byte) string {
	data := make([]byte, 0, 1+len(compressed))
	data = append(data, SchemeSecp256k1)
	data = append(data, compressed...)
	sum := blake2b.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}

// VerifySignature checks sig against txBytes and returns the signer's address.
func VerifySignature(txBytes, sig []byte) (string, error) {
	if len(sig) != serializedSz || sig[0] != SchemeSecp256k1 {
		return "", ErrInvalidSignature
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[1:33]); overflow {
		return "", ErrInvalidSignature
	}
	if overflow := s.SetByteSlice(sig[33:65]); overflow {
		return "", ErrInvalidSignature
	}
	pubBytes := sig[65:]
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	digest := TransactionDigest(txBytes)
	hash := sha256.Sum256(digest[:])
	if !ecdsa.NewSignature(&r, &s).Verify(hash[:], pub) {
		return "", fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}
	return AddressFromPublicKey(pubBytes), nil
}

// KeystoreProvider is a Provider backed by a local Keystore.
type KeystoreProvider struct {
	mu        sync.Mutex
	ks        *Keystore
	connected bool
}

func NewKeystoreProvider(ks *Keystore) *KeystoreProvider {
	return &KeystoreProvider{ks: ks}
}

func (p *KeystoreProvider) Connect(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return p.ks.Address(), nil
}

func (p *KeystoreProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *KeystoreProvider) SignTransaction(ctx context.Context, txBytes []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	return p.ks.Sign(txBytes), nil
}

// deriveKey derives a child private key from a BIP-39 seed.
// Path: m/{purpose}'/{coinType}'/0'/0/{index}
func deriveKey(seed []byte, purpose, coinType, index uint32) ([]byte, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	path := []uint32{
		bip32.FirstHardenedChild + purpose,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}

	key := masterKey
	for depth, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("derive depth %d: %w", depth+1, err)
		}
	}

	return key.Key, nil
}
