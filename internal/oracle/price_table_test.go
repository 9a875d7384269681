package oracle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketron/internal/models"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTable() (*PriceTable, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	return NewPriceTable(models.DefaultUniverse(), DefaultHistoryWindow).WithClock(clock.Now), clock
}

func TestPriceTable_SeedUsesInitialPrices(t *testing.T) {
	table, _ := newTable()
	assert.Equal(t, 9, table.Seed())

	p, ok := table.CurrentPrice("GOOGL")
	require.True(t, ok)
	assert.True(t, p.Equal(d("2800")))

	assert.Equal(t, 0, table.Seed(), "seeding never overwrites")
}

func TestPriceTable_Update(t *testing.T) {
	table, clock := newTable()

	rec, err := table.Update("AAPL", d("150"))
	require.NoError(t, err)
	assert.True(t, rec.Change.IsZero())

	clock.advance(time.Second)
	rec, err = table.Update("AAPL", d("151.5"))
	require.NoError(t, err)
	assert.True(t, rec.PreviousPrice.Equal(d("150")))
	assert.True(t, rec.Change.Equal(d("1.5")))
	assert.Len(t, rec.History, 2)

	_, err = table.Update("NOPE", d("1"))
	assert.True(t, errors.Is(err, ErrUnknownSymbol))

	_, err = table.Update("AAPL", d("0"))
	assert.True(t, errors.Is(err, ErrInvalidPrice))
}

func TestPriceTable_HistoryWindow(t *testing.T) {
	table, clock := newTable()

	_, _ = table.Update("MSFT", d("300"))
	clock.advance(10 * time.Minute)
	_, _ = table.Update("MSFT", d("301"))
	clock.advance(6 * time.Minute)
	_, _ = table.Update("MSFT", d("302"))

	history := table.History("MSFT")
	require.Len(t, history, 2)
	assert.True(t, history[0].Price.Equal(d("301")))
	assert.True(t, history[1].Price.Equal(d("302")))
}

func TestPriceTable_ListenersRunOutsideLock(t *testing.T) {
	table, _ := newTable()

	var got []string
	table.OnUpdate(func(symbol string, rec models.PriceRecord) {
		// reading back must not deadlock
		p, _ := table.CurrentPrice(symbol)
		got = append(got, symbol+"="+p.String())
	})

	_, err := table.Update("NVDA", d("450"))
	require.NoError(t, err)
	assert.Equal(t, []string{"NVDA=450"}, got)
}

func TestPriceTable_StateRestoreReset(t *testing.T) {
	table, _ := newTable()
	_, _ = table.Update("AMD", d("120"))
	_, _ = table.Update("AMD", d("121"))

	state := table.State()

	other, _ := newTable()
	require.NoError(t, other.Restore(state))
	assert.Equal(t, state, other.State())

	bad := models.PriceState{"AMD": {Price: d("-1")}}
	require.Error(t, other.Restore(bad))
	p, ok := other.CurrentPrice("AMD")
	require.True(t, ok, "failed restore keeps previous records")
	assert.True(t, p.Equal(d("121")))

	require.Error(t, other.Restore(models.PriceState{"ZZZ": {Price: d("1")}}))

	other.Reset()
	_, ok = other.CurrentPrice("AMD")
	assert.False(t, ok)
}

func TestPriceTable_ConcurrentReadsSeeWholeUpdates(t *testing.T) {
	table, _ := newTable()
	_, _ = table.Update("TSLA", d("100"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = table.Update("TSLA", decimal.NewFromInt(int64(100+i*1000+j)))
			}
		}(i)
	}
	for i := 0; i < 200; i++ {
		rec, ok := table.Quote("TSLA")
		require.True(t, ok)
		require.True(t, rec.Change.Equal(rec.Price.Sub(rec.PreviousPrice)))
	}
	wg.Wait()
}

func TestDecodeTick(t *testing.T) {
	tick, err := DecodeTick([]byte(`{"symbol":"aapl","price":"151.25"}`))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", tick.Symbol)
	assert.True(t, tick.Price.Equal(d("151.25")))

	tick, err = DecodeTick([]byte(`{"symbol":"MSFT","price":299.5}`))
	require.NoError(t, err)
	assert.True(t, tick.Price.Equal(d("299.5")))

	_, err = DecodeTick([]byte(`{"symbol":"","price":1}`))
	assert.Error(t, err)
	_, err = DecodeTick([]byte(`{"symbol":"AAPL","price":0}`))
	assert.Error(t, err)
	_, err = DecodeTick([]byte(`not json`))
	assert.Error(t, err)
}
