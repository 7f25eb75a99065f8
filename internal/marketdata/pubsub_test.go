package marketdata

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherRoutesByType(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, topics: DefaultTopics()}

	err := pub.Publish(context.Background(), []model.Event{
		model.TradeEvent(model.Trade{Symbol: "BTCUSD", Sequence: 1}),
		model.DeltaEvent(model.BookDelta{Symbol: "BTCUSD", UpdateID: 2}),
		model.HaltStateEvent(model.HaltEvent{Sequence: 1}, false),
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 3)
	assert.Equal(t, "pincex.trades", w.msgs[0].Topic)
	assert.Equal(t, []byte("BTCUSD"), w.msgs[0].Key)
	assert.Equal(t, "pincex.book-deltas", w.msgs[1].Topic)
	assert.Equal(t, "pincex.halts", w.msgs[2].Topic)

	var ev model.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, uint64(1), ev.Trade.Sequence)
}

func TestRedisChannelNames(t *testing.T) {
	pub := NewRedisPublisher(nil, "")
	assert.Equal(t, "marketdata:trade:BTCUSD", pub.Channel(model.EventTrade, "BTCUSD"))
	assert.Equal(t, "marketdata:halt:*", pub.Channel(model.EventHalt, ""))
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	addr := os.Getenv("PINCEX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PINCEX_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	pub := NewRedisPublisher(client, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan []byte, 1)
	require.NoError(t, pub.Subscribe(ctx, func(_ string, payload []byte) { got <- payload }, pub.Channel(model.EventTrade, "X")))
	require.NoError(t, pub.Publish(ctx, []model.Event{model.TradeEvent(model.Trade{Symbol: "X", Sequence: 9})}))

	select {
	case payload := <-got:
		var ev model.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		assert.Equal(t, uint64(9), ev.Sequence)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
