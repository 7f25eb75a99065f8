package journal

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/marketdata"
	"github.com/Aidin1998/pincex_matching/internal/trading/circuitbreaker"
	"github.com/Aidin1998/pincex_matching/internal/trading/engine"
	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/Aidin1998/pincex_matching/internal/trading/registry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// venue wires a journal-backed manager and breaker the way the server does.
type venue struct {
	journal    *Journal
	dispatcher *marketdata.Dispatcher
	breaker    *circuitbreaker.System
	books      *registry.OrderBookManager
}

func startVenue(t *testing.T, dir string) *venue {
	t.Helper()
	logger := zaptest.NewLogger(t)
	j, err := Open(Config{Dir: dir, SyncWrites: true}, logger)
	require.NoError(t, err)

	breaker, err := circuitbreaker.NewSystem(circuitbreaker.DefaultConfig(), nil, logger)
	require.NoError(t, err)
	lastHalt, err := j.LastHaltSequence()
	require.NoError(t, err)
	breaker.ContinueHaltSequence(lastHalt)

	dispatcher := marketdata.NewDispatcher(marketdata.DispatcherConfig{}, logger, j)
	breaker.AddListener(dispatcher)
	books := registry.NewOrderBookManager(registry.DefaultConfig(), engine.Dependencies{Gate: breaker, Sink: dispatcher}, j, logger)
	_, err = books.CreateBook(model.SymbolSpec{
		Symbol:      "BTCUSD",
		TickSize:    decimal.RequireFromString("0.01"),
		LotSize:     decimal.RequireFromString("0.001"),
		MinQuantity: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	return &venue{journal: j, dispatcher: dispatcher, breaker: breaker, books: books}
}

func (v *venue) cross(t *testing.T, price string) model.Trade {
	t.Helper()
	ctx := context.Background()
	req := engine.OrderRequest{ParticipantID: "p", Type: model.OrderTypeLimit, Price: decimal.RequireFromString(price), Quantity: decimal.NewFromInt(1)}
	req.Side = model.SideSell
	_, err := v.books.SubmitOrder(ctx, "BTCUSD", req)
	require.NoError(t, err)
	req.Side = model.SideBuy
	res, err := v.books.SubmitOrder(ctx, "BTCUSD", req)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	return res.Trades[0]
}

func (v *venue) stop(t *testing.T) {
	t.Helper()
	v.dispatcher.Flush(context.Background())
	require.NoError(t, v.journal.Close())
}

func TestSequencesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := startVenue(t, dir)
	assert.Equal(t, uint64(1), first.cross(t, "100").Sequence)
	h, err := first.breaker.ManualHalt("BTCUSD", time.Minute, "operator")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Sequence)
	_, err = first.breaker.ManualResume("BTCUSD")
	require.NoError(t, err)
	first.stop(t)

	second := startVenue(t, dir)
	defer second.stop(t)
	assert.Equal(t, uint64(2), second.cross(t, "200").Sequence)
	h, err = second.breaker.ManualHalt("", time.Minute, "operator")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Sequence)
	second.dispatcher.Flush(ctx)

	trades, err := second.journal.TradesSince(ctx, "BTCUSD", 0, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, trades[1].Price.Equal(decimal.NewFromInt(200)))

	tape, err := second.books.GetTradeTape(ctx, "BTCUSD", 0, 0)
	require.NoError(t, err)
	require.Len(t, tape, 2)
	assert.Equal(t, uint64(1), tape[0].Sequence)

	halts, err := second.journal.Halts(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, halts, 2)
	assert.False(t, halts[0].Active, "the first run's halt keeps its resolved record")
	assert.True(t, halts[1].MarketWide())
}
