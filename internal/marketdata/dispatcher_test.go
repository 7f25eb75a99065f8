package marketdata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collectingPublisher struct {
	mu     sync.Mutex
	name   string
	events []model.Event
	fail   bool
}

func (c *collectingPublisher) Name() string { return c.name }

func (c *collectingPublisher) Publish(_ context.Context, events []model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("%s unavailable", c.name)
	}
	c.events = append(c.events, events...)
	return nil
}

func (c *collectingPublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	good := &collectingPublisher{name: "good"}
	bad := &collectingPublisher{name: "bad", fail: true}
	disp := NewDispatcher(DispatcherConfig{BatchSize: 7}, zaptest.NewLogger(t), bad)
	disp.AddPublisher(good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = disp.Run(ctx)
		close(done)
	}()

	for i := 1; i <= 100; i++ {
		disp.Publish(model.TradeEvent(model.Trade{Symbol: "BTCUSD", Sequence: uint64(i)}))
	}
	require.Eventually(t, func() bool { return good.count() == 100 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	for i, ev := range good.events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	assert.Zero(t, disp.Pending())
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	pub := &collectingPublisher{name: "p"}
	disp := NewDispatcher(DispatcherConfig{}, nil, pub)
	disp.Publish(model.DeltaEvent(model.BookDelta{Symbol: "X", UpdateID: 1}))
	assert.Equal(t, 1, disp.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, disp.Run(ctx))
	assert.Equal(t, 1, pub.count())
}

func TestDispatcherHaltListener(t *testing.T) {
	pub := &collectingPublisher{name: "p"}
	disp := NewDispatcher(DispatcherConfig{}, nil, pub)
	now := time.Now()
	h := model.HaltEvent{Symbol: "X", Sequence: 3, TriggeredAt: now}
	require.NoError(t, disp.OnHalt("X", h))
	h.ResolvedAt = &now
	require.NoError(t, disp.OnResume("X", h))
	disp.Flush(context.Background())

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.EventHalt, pub.events[0].Type)
	assert.Equal(t, model.EventResume, pub.events[1].Type)
}
