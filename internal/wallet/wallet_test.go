package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKeystore(t *testing.T) *Keystore {
	t.Helper()
	ks, err := NewKeystore(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}
	return ks
}

func TestKeystore_Deterministic(t *testing.T) {
	a := testKeystore(t)
	b := testKeystore(t)
	if a.Address() != b.Address() {
		t.Errorf("same mnemonic produced different addresses: %s vs %s", a.Address(), b.Address())
	}
	if a.DerivationPath() != "m/54'/784'/0'/0/0" {
		t.Errorf("DerivationPath() = %s", a.DerivationPath())
	}
}

func TestKeystore_DifferentInputs(t *testing.T) {
	base := testKeystore(t)

	other, err := NewKeystore("zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong", "")
	if err != nil {
		t.Fatal(err)
	}
	if other.Address() == base.Address() {
		t.Error("different mnemonics produced same address")
	}

	withPass, err := NewKeystore(testMnemonic, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if withPass.Address() == base.Address() {
		t.Error("passphrase should change the derived address")
	}

	second, err := NewKeystoreAt(testMnemonic, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if second.Address() == base.Address() {
		t.Error("different indices produced same address")
	}
}

func TestKeystore_AddressFormat(t *testing.T) {
	ks := testKeystore(t)
	addr := ks.Address()

	if !strings.HasPrefix(addr, "0x") {
		t.Errorf("address should start with 0x, got %s", addr)
	}
	if len(addr) != 66 {
		t.Errorf("address should be 66 chars, got %d: %s", len(addr), addr)
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		t.Errorf("address is not valid hex: %s", addr)
	}

	pub := ks.PublicKey()
	if len(pub) != 33 || (pub[0] != 0x02 && pub[0] != 0x03) {
		t.Errorf("compressed public key malformed: %x", pub)
	}
	if AddressFromPublicKey(pub) != addr {
		t.Error("AddressFromPublicKey disagrees with Address()")
	}
}

func TestKeystore_InvalidMnemonic(t *testing.T) {
	if _, err := NewKeystore("not a real mnemonic", ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("err = %v, want ErrInvalidMnemonic", err)
	}
}

func TestNewMnemonic(t *testing.T) {
	m, err := NewMnemonic()
	if err != nil {
		t.Fatal(err)
	}
	if !bip39.IsMnemonicValid(m) {
		t.Errorf("generated mnemonic is invalid: %q", m)
	}
	if n := len(strings.Fields(m)); n != 12 {
		t.Errorf("expected 12 words, got %d", n)
	}
}

func TestKeystore_SignVerify(t *testing.T) {
	ks := testKeystore(t)
	txBytes := []byte(`{"function":"increment_personal_counter"}`)

	sig := ks.Sign(txBytes)
	if len(sig) != 98 || sig[0] != SchemeSecp256k1 {
		t.Fatalf("signature has wrong layout: len=%d flag=%x", len(sig), sig[0])
	}

	addr, err := VerifySignature(txBytes, sig)
	if err != nil {
		t.Fatal(err)
	}
	if addr != ks.Address() {
		t.Errorf("verified signer = %s, want %s", addr, ks.Address())
	}

	if _, err := VerifySignature([]byte("tampered"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered payload err = %v, want ErrInvalidSignature", err)
	}
	if _, err := VerifySignature(txBytes, sig[:10]); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("truncated signature err = %v, want ErrInvalidSignature", err)
	}
}

func TestTransactionDigest_IntentPrefixed(t *testing.T) {
	a := TransactionDigest([]byte("tx"))
	b := TransactionDigest([]byte("tx"))
	c := TransactionDigest([]byte("tx2"))
	if a != b {
		t.Error("digest should be deterministic")
	}
	if a == c {
		t.Error("different payloads produced the same digest")
	}
}

func TestKeystoreProvider_SignRequiresConnect(t *testing.T) {
	p := NewKeystoreProvider(testKeystore(t))
	ctx := context.Background()

	if _, err := p.SignTransaction(ctx, []byte("tx")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("sign before connect err = %v, want ErrNotConnected", err)
	}
	if _, err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SignTransaction(ctx, []byte("tx")); err != nil {
		t.Errorf("sign after connect: %v", err)
	}
}

// mockProvider is a Provider whose Connect can be held open.
type mockProvider struct {
	address     string
	connectErr  error
	release     chan struct{}
	disconnects int
}

func (m *mockProvider) Connect(ctx context.Context) (string, error) {
	if m.release != nil {
		<-m.release
	}
	if m.connectErr != nil {
		return "", m.connectErr
	}
	return m.address, nil
}

func (m *mockProvider) Disconnect() error {
	m.disconnects++
	return nil
}

func (m *mockProvider) SignTransaction(ctx context.Context, txBytes []byte) ([]byte, error) {
	return []byte("sig"), nil
}

func TestGate_ConnectFiresHookOnce(t *testing.T) {
	g := NewGate(&mockProvider{address: "0xabc0000000000000def"})
	ctx := context.Background()

	var fired []string
	g.OnConnect(func(ctx context.Context, address string) {
		fired = append(fired, address)
	})

	if err := g.Require(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Require before connect err = %v", err)
	}
	if err := g.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Errorf("connect hook fired %d times, want 1", len(fired))
	}
	if err := g.Require(); err != nil {
		t.Errorf("Require after connect: %v", err)
	}
	if st := g.State(); st.Status != models.StatusConnected || st.ShortAddress() != "0xabc0...0def" {
		t.Errorf("State() = %+v (%s)", st, st.ShortAddress())
	}

	if err := g.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fired) != 2 {
		t.Errorf("reconnect should fire the hook again, fired %d", len(fired))
	}
}

func TestGate_ConnectFailure(t *testing.T) {
	g := NewGate(&mockProvider{connectErr: errors.New("user rejected")})
	if err := g.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if st := g.State(); st.Status != models.StatusDisconnected {
		t.Errorf("status after failed connect = %s", st.Status)
	}
}

func TestGate_DisconnectWhileConnecting(t *testing.T) {
	mp := &mockProvider{address: "0xabc", release: make(chan struct{})}
	g := NewGate(mp)

	hookFired := false
	g.OnConnect(func(ctx context.Context, address string) { hookFired = true })

	done := make(chan error, 1)
	go func() { done <- g.Connect(context.Background()) }()

	// Wait for the connecting state to be visible.
	for g.State().Status != models.StatusConnecting {
		time.Sleep(time.Millisecond)
	}
	if err := g.Connect(context.Background()); !errors.Is(err, ErrConnecting) {
		t.Errorf("concurrent Connect err = %v, want ErrConnecting", err)
	}

	_ = g.Disconnect()
	close(mp.release)

	if err := <-done; !errors.Is(err, ErrConnectAbandoned) {
		t.Errorf("Connect err = %v, want ErrConnectAbandoned", err)
	}
	if g.State().Status != models.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", g.State().Status)
	}
	if hookFired {
		t.Error("connect hook must not fire for an abandoned connect")
	}
}

func TestGate_DisconnectHooks(t *testing.T) {
	g := NewGate(&mockProvider{address: "0xabc"})
	calls := 0
	g.OnDisconnect(func() { calls++ })

	_ = g.Disconnect()
	if calls != 0 {
		t.Error("disconnect hook should not fire when already disconnected")
	}

	_ = g.Connect(context.Background())
	g.ProviderDisconnected()
	if calls != 1 {
		t.Errorf("disconnect hook calls = %d, want 1", calls)
	}
	if _, err := g.SignTransaction(context.Background(), []byte("tx")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("sign after provider disconnect err = %v", err)
	}
}
