package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger/memledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/tx"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/wallet"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fixture struct {
	chain  *memledger.Ledger
	gate   *wallet.Gate
	client *ledger.Client
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	ks, err := wallet.NewKeystore(testMnemonic, "")
	require.NoError(t, err)

	chain := memledger.New(ledger.Targets{})
	gate := wallet.NewGate(wallet.NewKeystoreProvider(ks))
	if connect {
		require.NoError(t, gate.Connect(context.Background()))
	}

	builder := tx.NewBuilder(tx.BuilderConfig{}, gate, chain, storage.NewKVTxStore(storage.NewMemoryKVStore()))
	client := ledger.NewClient(ledger.Config{
		Targets:           chain.Targets(),
		DiscoveryAttempts: 3,
		DiscoveryDelay:    time.Millisecond,
	}, chain, builder, gate)

	return &fixture{chain: chain, gate: gate, client: client}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	id, _, err := f.client.CreateAndDiscover(context.Background())
	require.NoError(t, err)
	return id
}

func TestClient_WriteAndRead(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	id := f.create(t)

	for i := 0; i < 3; i++ {
		txn, err := f.client.Write(ctx, ledger.OpIncrement, id)
		require.NoError(t, err)
		assert.Equal(t, models.TxSuccess, txn.Status)
		assert.NotEmpty(t, txn.Digest)
	}
	_, err := f.client.Write(ctx, ledger.OpDecrement, id)
	require.NoError(t, err)

	obj, err := f.client.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), obj.Value)
	assert.Equal(t, f.gate.Address(), obj.Owner)

	_, err = f.client.Write(ctx, ledger.OpReset, id)
	require.NoError(t, err)
	obj, err = f.client.Read(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, obj.Value)
}

func TestClient_ReadGlobal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.client.Write(ctx, ledger.OpGlobalIncrement, "")
	require.NoError(t, err)
	_, err = f.client.Write(ctx, ledger.OpGlobalIncrement, "")
	require.NoError(t, err)

	obj, err := f.client.ReadGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), obj.Value)
	assert.Equal(t, f.chain.Targets().GlobalCounterID, obj.ObjectID)
}

func TestClient_DecrementAtZeroIsRejected(t *testing.T) {
	f := newFixture(t, true)
	id := f.create(t)

	txn, err := f.client.Write(context.Background(), ledger.OpDecrement, id)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.NotNil(t, txn)
	assert.Equal(t, models.TxFailure, txn.Status)
	assert.Equal(t, memledger.AbortUnderflow, txn.Error)

	v, _ := f.chain.Value(id)
	assert.Zero(t, v)
}

func TestClient_WriteRequiresWallet(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.client.Write(context.Background(), ledger.OpGlobalIncrement, "")
	require.ErrorIs(t, err, wallet.ErrNotConnected)
	assert.Zero(t, f.chain.Calls(f.chain.Targets().GlobalIncrement))

	_, _, err = f.client.CreateAndDiscover(context.Background())
	require.ErrorIs(t, err, wallet.ErrNotConnected)
}

func TestClient_ReadMissing(t *testing.T) {
	f := newFixture(t, true)
	id := f.create(t)

	_, err := f.client.Write(context.Background(), ledger.OpDelete, id)
	require.NoError(t, err)

	_, err = f.client.Read(context.Background(), id)
	assert.ErrorIs(t, err, ledger.ErrObjectNotFound)
}

func TestClient_ListOwnedByLastModification(t *testing.T) {
	f := newFixture(t, true)
	first := f.create(t)
	second := f.create(t)

	objs, err := f.client.ListOwned(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, first, objs[0].ObjectID)
	assert.Equal(t, second, objs[1].ObjectID)

	// A write moves the first counter behind the second.
	_, err = f.client.Write(context.Background(), ledger.OpIncrement, first)
	require.NoError(t, err)
	objs, err = f.client.ListOwned(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{second, first}, []string{objs[0].ObjectID, objs[1].ObjectID})
}

func TestClient_ReadRejectsForeignType(t *testing.T) {
	f := newFixture(t, true)
	id := f.create(t)

	targets := f.chain.Targets()
	targets.CounterType = targets.PackageID + "::counter::Other"
	other := ledger.NewClient(ledger.Config{Targets: targets}, f.chain,
		tx.NewBuilder(tx.BuilderConfig{}, f.gate, f.chain, storage.NewKVTxStore(storage.NewMemoryKVStore())), f.gate)

	_, err := other.Read(context.Background(), id)
	assert.ErrorIs(t, err, ledger.ErrUnexpectedShape)

	// The global counter has its own type and is still readable.
	_, err = other.ReadGlobal(context.Background())
	assert.NoError(t, err)
}

func TestClient_WriteWithRequestKey(t *testing.T) {
	f := newFixture(t, true)
	id := f.create(t)
	fn := f.chain.Targets().Increment

	ctx := tx.WithIdempotencyKey(context.Background(), "req-1")
	first, err := f.client.Write(ctx, ledger.OpIncrement, id)
	require.NoError(t, err)
	again, err := f.client.Write(ctx, ledger.OpIncrement, id)
	require.NoError(t, err)

	assert.Equal(t, first.Digest, again.Digest)
	assert.False(t, first.Replayed)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, f.chain.Calls(fn))
	v, _ := f.chain.Value(id)
	assert.Equal(t, uint64(1), v)

	// The same key on a different write is a different request.
	_, err = f.client.Write(ctx, ledger.OpReset, id)
	require.NoError(t, err)
	v, _ = f.chain.Value(id)
	assert.Zero(t, v)

	// Without a key every write executes.
	_, err = f.client.Write(context.Background(), ledger.OpIncrement, id)
	require.NoError(t, err)
	assert.Equal(t, 2, f.chain.Calls(fn))
}

func TestClient_CreateIgnoresRequestKey(t *testing.T) {
	f := newFixture(t, true)
	ctx := tx.WithIdempotencyKey(context.Background(), "req-create")

	a, _, err := f.client.CreateAndDiscover(ctx)
	require.NoError(t, err)
	b, _, err := f.client.CreateAndDiscover(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, f.chain.Count(f.gate.Address()))
}

func TestClient_CreateAndDiscover(t *testing.T) {
	f := newFixture(t, true)

	id, txn, err := f.client.CreateAndDiscover(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, models.TxSuccess, txn.Status)

	obj, err := f.client.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, obj.Value)
}

func TestClient_DiscoveryWithinBudget(t *testing.T) {
	f := newFixture(t, true)
	f.chain.SetDiscoveryLag(2)

	before := f.chain.OwnedListings()
	id, _, err := f.client.CreateAndDiscover(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	// one snapshot plus three polls, the last one succeeding
	assert.Equal(t, 4, f.chain.OwnedListings()-before)
}

func TestClient_DiscoveryTimeout(t *testing.T) {
	f := newFixture(t, true)
	f.chain.SetDiscoveryLag(100)

	before := f.chain.OwnedListings()
	id, txn, err := f.client.CreateAndDiscover(context.Background())
	require.ErrorIs(t, err, ledger.ErrDiscoveryTimeout)
	assert.Empty(t, id)
	require.NotNil(t, txn, "the create transaction should be reported")
	assert.Equal(t, 4, f.chain.OwnedListings()-before, "expected one snapshot and exactly three polls")

	// The counter exists remotely even though discovery gave up.
	assert.Equal(t, 1, f.chain.Count(f.gate.Address()))
}

func TestClient_DiscoveryCancelled(t *testing.T) {
	f := newFixture(t, true)
	f.chain.SetDiscoveryLag(100)

	client := ledger.NewClient(ledger.Config{
		Targets:           f.chain.Targets(),
		DiscoveryAttempts: 3,
		DiscoveryDelay:    time.Hour,
	}, f.chain, tx.NewBuilder(tx.BuilderConfig{}, f.gate, f.chain, storage.NewKVTxStore(storage.NewMemoryKVStore())), f.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := client.CreateAndDiscover(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

func TestClient_ConcurrentCreatesDiscoverDistinctIDs(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	ids := make(chan string, 4)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			id, _, err := f.client.CreateAndDiscover(ctx)
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		select {
		case id := <-ids:
			assert.False(t, seen[id], "id %s discovered twice", id)
			seen[id] = true
		case err := <-errs:
			t.Fatalf("create failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for creates")
		}
	}
}

func TestCounterValue(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		want    uint64
		wantErr bool
	}{
		{"string", map[string]any{"value": "42"}, 42, false},
		{"float", map[string]any{"value": float64(7)}, 7, false},
		{"json number", map[string]any{"value": json.Number("9")}, 9, false},
		{"uint64", map[string]any{"value": uint64(3)}, 3, false},
		{"missing", map[string]any{"count": "1"}, 0, true},
		{"negative", map[string]any{"value": float64(-1)}, 0, true},
		{"fraction", map[string]any{"value": 1.5}, 0, true},
		{"garbage", map[string]any{"value": "abc"}, 0, true},
		{"bool", map[string]any{"value": true}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.CounterValue(tt.fields)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrUnexpectedShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargets_WithDefaults(t *testing.T) {
	targets := ledger.Targets{PackageID: "0xabc"}.WithDefaults()
	assert.Equal(t, "counter", targets.Module)
	assert.Equal(t, "0xabc::counter::Counter", targets.CounterType)
	assert.Equal(t, "create_personal_counter", targets.Function(ledger.OpCreate))
	assert.Equal(t, "decrement_global_counter", targets.Function(ledger.OpGlobalDecrement))
	assert.Empty(t, targets.Function(ledger.Operation(99)))

	custom := ledger.Targets{PackageID: "0xabc", Increment: "bump"}.WithDefaults()
	assert.Equal(t, "bump", custom.Function(ledger.OpIncrement))
}
