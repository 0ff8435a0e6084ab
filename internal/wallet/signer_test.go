package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "AgentPulse/internal/errors"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestKeySignerSignAndRecover(t *testing.T) {
	t.Parallel()

	signer, err := NewKeySignerFromHex("0x" + testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if !strings.HasPrefix(signer.Address(), "0x") || len(signer.Address()) != 42 {
		t.Fatalf("unexpected address %q", signer.Address())
	}

	msg := "heartbeat:" + signer.Address() + ":1700000000"
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := hexutil.Decode(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(raw) != 65 {
		t.Fatalf("signature length = %d; want 65", len(raw))
	}
	if v := raw[64]; v != 27 && v != 28 {
		t.Fatalf("recovery byte = %d; want 27 or 28", v)
	}

	recovered, err := RecoverAddress(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s; want %s", recovered, signer.Address())
	}

	other, err := RecoverAddress(msg+"x", sig)
	if err != nil {
		t.Fatalf("recover tampered: %v", err)
	}
	if other == signer.Address() {
		t.Fatal("tampered message must not recover the signer address")
	}
}

func TestNewKeySignerFromHexRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "0x", "zz", "1234"} {
		if _, err := NewKeySignerFromHex(in); err == nil {
			t.Fatalf("expected error for %q", in)
		} else if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("error code for %q = %s; want INVALID_ARGUMENT", in, xerrors.CodeOf(err))
		}
	}
}

func TestNewKeySignerFromEnv(t *testing.T) {
	t.Setenv("PULSE_TEST_KEY", testKeyHex)

	signer, err := NewKeySignerFromEnv("PULSE_TEST_KEY")
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	direct, _ := NewKeySignerFromHex(testKeyHex)
	if signer.Address() != direct.Address() {
		t.Fatalf("address mismatch: %s vs %s", signer.Address(), direct.Address())
	}

	t.Setenv("PULSE_TEST_KEY", "")
	if _, err := NewKeySignerFromEnv("PULSE_TEST_KEY"); err == nil {
		t.Fatal("expected error for empty env")
	}
}

func TestKeystoreSignerLockedUntilUnlocked(t *testing.T) {
	t.Parallel()

	priv, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	keyJSON, err := keystore.EncryptKey(key, "correct horse", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "agent.json")
	if err := os.WriteFile(path, keyJSON, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	signer, err := NewKeystoreSigner(path)
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if signer.Address() != key.Address.Hex() {
		t.Fatalf("address = %s; want %s", signer.Address(), key.Address.Hex())
	}
	if signer.Unlocked() {
		t.Fatal("keystore signer must start locked")
	}

	_, err = signer.Sign("hello")
	if err == nil {
		t.Fatal("expected locked signer to fail")
	}
	if !errors.Is(err, xerrors.New(xerrors.CodeSigningFailure, "")) {
		t.Fatalf("locked error = %v; want SIGNING_FAILURE", err)
	}

	if err := signer.Unlock("wrong"); err == nil {
		t.Fatal("expected wrong passphrase to fail")
	}
	if err := signer.Unlock("correct horse"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	sig, err := signer.Sign("hello")
	if err != nil {
		t.Fatalf("sign after unlock: %v", err)
	}
	recovered, err := RecoverAddress("hello", sig)
	if err != nil || recovered != signer.Address() {
		t.Fatalf("recovered %s (err %v); want %s", recovered, err, signer.Address())
	}

	signer.Lock()
	if _, err := signer.Sign("hello"); err == nil {
		t.Fatal("expected signer to fail again after Lock")
	}
}

func TestRecoverAddressRejectsMalformedSignature(t *testing.T) {
	t.Parallel()

	if _, err := RecoverAddress("m", "not-hex"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := RecoverAddress("m", "0x1234"); err == nil {
		t.Fatal("expected length error")
	}
}
