// Package wallet holds the agent's signing identity. Signatures follow the
// EIP-191 personal-message scheme so the network can recover the signer's
// address from (message, signature) alone.
package wallet

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPulse/internal/errors"
)

// Signer produces message signatures for a stable address.
type Signer interface {
	Address() string
	Sign(message string) (string, error)
}

// KeySigner signs with an in-memory secp256k1 private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "private key is nil")
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// NewKeySignerFromHex parses a hex encoded private key, with or without 0x.
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse private key")
	}
	return NewKeySigner(key)
}

// NewKeySignerFromEnv reads the private key from the named environment variable.
func NewKeySignerFromEnv(name string) (*KeySigner, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("environment variable %s is empty", name))
	}
	return NewKeySignerFromHex(value)
}

// Address returns the checksummed hex address of the key.
func (s *KeySigner) Address() string {
	return s.address
}

// Sign signs the EIP-191 hash of message.
func (s *KeySigner) Sign(message string) (string, error) {
	return signText(s.key, message)
}

// KeystoreSigner loads an encrypted keystore file and only signs while unlocked.
type KeystoreSigner struct {
	mu      sync.RWMutex
	keyJSON []byte
	address string
	key     *ecdsa.PrivateKey
}

// NewKeystoreSigner reads a go-ethereum keystore file. The signer starts locked.
func NewKeystoreSigner(path string) (*KeystoreSigner, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read keystore file")
	}
	return NewKeystoreSignerFromJSON(keyJSON)
}

// NewKeystoreSignerFromJSON is NewKeystoreSigner for an already loaded file.
func NewKeystoreSignerFromJSON(keyJSON []byte) (*KeystoreSigner, error) {
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(keyJSON, &header); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse keystore file")
	}
	if header.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore file has no address")
	}
	return &KeystoreSigner{
		keyJSON: append([]byte(nil), keyJSON...),
		address: common.HexToAddress(header.Address).Hex(),
	}, nil
}

// Address is available even while the key is locked.
func (s *KeystoreSigner) Address() string {
	return s.address
}

// Unlock decrypts the key with passphrase.
func (s *KeystoreSigner) Unlock(passphrase string) error {
	key, err := keystore.DecryptKey(s.keyJSON, passphrase)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSigningFailure, err, "unlock keystore")
	}
	s.mu.Lock()
	s.key = key.PrivateKey
	s.mu.Unlock()
	return nil
}

// Lock drops the decrypted key from memory.
func (s *KeystoreSigner) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		zeroKey(s.key)
		s.key = nil
	}
}

// Unlocked reports whether Sign can currently succeed.
func (s *KeystoreSigner) Unlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// Sign fails with a signing error while the keystore is locked.
func (s *KeystoreSigner) Sign(message string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return "", xerrors.New(xerrors.CodeSigningFailure, "keystore is locked")
	}
	return signText(s.key, message)
}

// RecoverAddress returns the checksummed address that produced signature over message.
func RecoverAddress(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode signature")
	}
	if len(sig) != crypto.SignatureLength {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("signature must be %d bytes", crypto.SignatureLength))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func signText(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSigningFailure, err, "sign message")
	}
	// personal_sign expects V in {27, 28}.
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func zeroKey(k *ecdsa.PrivateKey) {
	if k.D == nil {
		return
	}
	b := k.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
