package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketron/internal/engine"
	"marketron/internal/models"
	"marketron/internal/oracle"
	"marketron/internal/resilience"
)

const testSecret = "test-snapshot-secret"

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func newGateway(t *testing.T, store BlobStore) *Gateway {
	t.Helper()
	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	g, err := NewGateway(GatewayConfig{Store: store, Sealer: sealer, Retry: fastRetry()})
	require.NoError(t, err)
	return g
}

func newEngine(t *testing.T) (*engine.Engine, *oracle.PriceTable) {
	t.Helper()
	table := oracle.NewPriceTable(models.DefaultUniverse(), oracle.DefaultHistoryWindow)
	table.Seed()
	return engine.New(engine.Config{Oracle: table}), table
}

func limitReq(symbol string, side models.Side, qty, price string) models.OrderRequest {
	p := decimal.RequireFromString(price)
	return models.OrderRequest{
		Symbol:    symbol,
		OrderType: models.Limit,
		Side:      side,
		Quantity:  decimal.RequireFromString(qty),
		Price:     &p,
	}
}

// populated returns an engine state with resting orders on both sides,
// one trade, one pending stop and seeded prices.
func populated(t *testing.T) models.State {
	t.Helper()
	e, _ := newEngine(t)
	ctx := context.Background()

	for _, req := range []models.OrderRequest{
		limitReq("AAPL", models.Buy, "10", "149"),
		limitReq("AAPL", models.Sell, "5", "151"),
		limitReq("AAPL", models.Sell, "3", "152"),
		limitReq("MSFT", models.Sell, "4", "300"),
		limitReq("MSFT", models.Buy, "2", "301"),
	} {
		_, err := e.Submit(ctx, req)
		require.NoError(t, err)
	}
	stop := decimal.RequireFromString("160")
	_, err := e.Submit(ctx, models.OrderRequest{
		Symbol:    "AAPL",
		OrderType: models.Stop,
		Side:      models.Buy,
		Quantity:  decimal.NewFromInt(1),
		StopPrice: &stop,
	})
	require.NoError(t, err)
	return e.State()
}

func TestSealer(t *testing.T) {
	s, err := NewSealer(testSecret)
	require.NoError(t, err)

	blob, err := s.Seal([]byte("hello"), []byte("k"))
	require.NoError(t, err)

	plain, err := s.Open(blob, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = s.Open(blob, []byte("other"))
	assert.ErrorIs(t, err, ErrTampered, "associated data is bound")

	blob[len(blob)-1] ^= 0x01
	_, err = s.Open(blob, []byte("k"))
	assert.ErrorIs(t, err, ErrTampered)

	_, err = s.Open([]byte("short"), []byte("k"))
	assert.ErrorIs(t, err, ErrTampered)

	other, err := NewSealer("another-secret")
	require.NoError(t, err)
	blob, err = s.Seal([]byte("hello"), nil)
	require.NoError(t, err)
	_, err = other.Open(blob, nil)
	assert.ErrorIs(t, err, ErrTampered)

	_, err = NewSealer("")
	assert.Error(t, err)
}

func TestEncode_EmptyStateUsesArrays(t *testing.T) {
	data, err := Encode(models.State{}, time.Unix(0, 0))
	require.NoError(t, err)

	assert.Contains(t, string(data), `"bids":[]`)
	assert.Contains(t, string(data), `"asks":[]`)
	assert.Contains(t, string(data), `"trades":[]`)
	assert.Contains(t, string(data), `"priceState":{}`)
	assert.Contains(t, string(data), `"stops":[]`)

	s, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	state := populated(t)
	data, err := Encode(state, time.Now())
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	require.Len(t, got.OrderBook.Bids, len(state.OrderBook.Bids))
	require.Len(t, got.OrderBook.Asks, len(state.OrderBook.Asks))
	for i := range state.OrderBook.Bids {
		assert.Equal(t, state.OrderBook.Bids[i].ID, got.OrderBook.Bids[i].ID)
		assert.True(t, state.OrderBook.Bids[i].Quantity.Equal(got.OrderBook.Bids[i].Quantity))
	}
	require.Len(t, got.Trades, len(state.Trades))
	assert.True(t, state.Trades[0].Price.Equal(got.Trades[0].Price))
	require.Len(t, got.Stops, 1)
	assert.Equal(t, models.Stop, got.Stops[0].Type)
	assert.Len(t, got.PriceState, len(state.PriceState))
}

func TestDecode_RejectsStructuralViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"wrong version", `{"version":2,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":{}}`},
		{"missing orderBook", `{"version":1,"trades":[],"priceState":{}}`},
		{"bids not array", `{"version":1,"orderBook":{"bids":{},"asks":[]},"trades":[],"priceState":{}}`},
		{"asks missing", `{"version":1,"orderBook":{"bids":[]},"trades":[],"priceState":{}}`},
		{"trades not array", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":"x","priceState":{}}`},
		{"priceState is array", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":[]}`},
		{"price not numeric", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":{"AAPL":{"price":"abc","history":[]}}}`},
		{"price missing", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":{"AAPL":{"history":[]}}}`},
		{"history not array", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":{"AAPL":{"price":"1","history":null}}}`},
		{"stops not array", `{"version":1,"orderBook":{"bids":[],"asks":[]},"trades":[],"priceState":{},"stops":{}}`},
		{"null order", `{"version":1,"orderBook":{"bids":[null],"asks":[]},"trades":[],"priceState":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestGateway_RoundTrip(t *testing.T) {
	pebbleStore, err := NewPebbleStore(filepath.Join(t.TempDir(), "snap"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pebbleStore.Close() })

	for _, store := range []BlobStore{NewMemoryStore(), pebbleStore} {
		t.Run(store.Name(), func(t *testing.T) {
			g := newGateway(t, store)
			ctx := context.Background()
			state := populated(t)

			require.NoError(t, g.Snapshot(ctx, state))

			got, err := g.Restore(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Len(t, got.OrderBook.Bids, len(state.OrderBook.Bids))
			assert.Len(t, got.OrderBook.Asks, len(state.OrderBook.Asks))
			assert.Len(t, got.Trades, len(state.Trades))

			st := g.Status()
			assert.Equal(t, store.Name(), st.Backend)
			assert.EqualValues(t, 1, st.Saves)
			assert.NotNil(t, st.LastSaved)
		})
	}
}

func TestGateway_NothingStored(t *testing.T) {
	g := newGateway(t, NewMemoryStore())

	got, err := g.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "closed", g.Breaker().State().String())
}

func TestGateway_TamperedBlobIsDiscarded(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	ctx := context.Background()

	require.NoError(t, g.Snapshot(ctx, populated(t)))
	blob, err := store.Load(ctx, DefaultSnapshotKey)
	require.NoError(t, err)
	blob[len(blob)/2] ^= 0xff
	require.NoError(t, store.Save(ctx, DefaultSnapshotKey, blob))

	got, err := g.Restore(ctx)
	assert.Nil(t, got)
	var corrupted *models.CorruptedStateError
	require.ErrorAs(t, err, &corrupted)
	assert.ErrorIs(t, err, models.ErrCorruptedState)
	assert.ErrorIs(t, err, ErrTampered)

	_, err = store.Load(ctx, DefaultSnapshotKey)
	assert.ErrorIs(t, err, ErrNotFound, "corrupted blob must be deleted")
	assert.EqualValues(t, 1, g.Status().Discards)
}

func TestGateway_InvalidStructureIsDiscarded(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	ctx := context.Background()

	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	blob, err := sealer.Seal([]byte(`{"version":1,"orderBook":{"bids":"nope","asks":[]},"trades":[],"priceState":{}}`), []byte(DefaultSnapshotKey))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, DefaultSnapshotKey, blob))

	got, err := g.Restore(ctx)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, models.ErrCorruptedState)

	_, err = store.Load(ctx, DefaultSnapshotKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateway_BlobUnderOtherKeyFailsAuthentication(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sealer, err := NewSealer(testSecret)
	require.NoError(t, err)
	a, err := NewGateway(GatewayConfig{Store: store, Sealer: sealer, Key: "a"})
	require.NoError(t, err)
	b, err := NewGateway(GatewayConfig{Store: store, Sealer: sealer, Key: "b"})
	require.NoError(t, err)

	require.NoError(t, a.Snapshot(ctx, models.EmptyState()))
	blob, err := store.Load(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "b", blob))

	_, err = b.Restore(ctx)
	assert.ErrorIs(t, err, models.ErrCorruptedState)
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Save(ctx context.Context, key string, blob []byte) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Save(ctx, key, blob)
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	g := newGateway(t, store)

	require.NoError(t, g.Snapshot(context.Background(), models.EmptyState()))
	assert.Equal(t, 3, store.calls)
}

func TestGateway_ReportsExhaustedRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	g := newGateway(t, store)

	err := g.Snapshot(context.Background(), models.EmptyState())
	require.Error(t, err)
	assert.Equal(t, 3, store.calls)

	st := g.Status()
	assert.EqualValues(t, 1, st.Failures)
	assert.Contains(t, st.LastError, "connection reset")
}

func TestRecovery_RestoresEngine(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	ctx := context.Background()
	state := populated(t)
	require.NoError(t, g.Snapshot(ctx, state))

	e, table := newEngine(t)
	table.Reset()
	e.SetSnapshotter(g)
	rm := NewRecoveryManager(g, e, nil, nil)

	result, err := rm.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, result.SnapshotUsed)
	assert.False(t, result.Corrupted)
	assert.Equal(t, len(state.OrderBook.Bids)+len(state.OrderBook.Asks), result.OrdersLoaded)
	assert.Equal(t, 1, result.StopsLoaded)

	restored := e.State()
	assert.Len(t, restored.OrderBook.Bids, len(state.OrderBook.Bids))
	assert.Len(t, restored.Trades, len(state.Trades))
	_, ok := table.CurrentPrice("AAPL")
	assert.True(t, ok, "price state restored")
}

func TestRecovery_CorruptedSnapshotResetsToEmpty(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, DefaultSnapshotKey, []byte("garbage that is long enough to hold a nonce and a tag")))

	e, _ := newEngine(t)
	e.SetSnapshotter(g)
	rm := NewRecoveryManager(g, e, nil, nil)

	result, err := rm.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, result.Corrupted)
	assert.False(t, result.SnapshotUsed)
	assert.True(t, e.State().IsEmpty())

	// The empty state was re-persisted and now restores cleanly.
	got, err := g.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsEmpty())
}

func TestRecovery_SemanticallyInvalidStateIsDiscarded(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	ctx := context.Background()

	state := populated(t)
	state.OrderBook.Bids[0].Symbol = "NOPE"
	require.NoError(t, g.Snapshot(ctx, state))

	e, _ := newEngine(t)
	rm := NewRecoveryManager(g, e, nil, nil)

	result, err := rm.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, result.Corrupted)
	assert.True(t, e.State().IsEmpty())

	_, err = store.Load(ctx, DefaultSnapshotKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_NoSnapshot(t *testing.T) {
	g := newGateway(t, NewMemoryStore())
	e, _ := newEngine(t)
	rm := NewRecoveryManager(g, e, nil, nil)

	result, err := rm.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, result.SnapshotUsed)
	assert.False(t, result.Corrupted)
}

func TestRecovery_AutoSnapshot(t *testing.T) {
	store := NewMemoryStore()
	g := newGateway(t, store)
	e, _ := newEngine(t)
	e.SetSnapshotter(g)

	rm := NewRecoveryManager(g, e, &RecoveryConfig{SnapshotInterval: 5 * time.Millisecond}, nil)
	rm.StartAutoSnapshot()
	defer rm.Stop()

	assert.Eventually(t, func() bool {
		return g.Status().Saves > 0
	}, time.Second, 5*time.Millisecond)
}
