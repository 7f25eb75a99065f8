// Package journal persists trades and halt transitions in sequence order so
// the trade tape can be back-filled after the in-memory ring has rolled over.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/pincex_matching/internal/trading/model"
	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	tradePrefix = "trade/"
	haltPrefix  = "halt/"
)

// Config holds configuration for the journal
type Config struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
}

// Journal is a badger-backed append log. It implements the dispatcher's
// Publisher interface and ignores event types it does not persist.
type Journal struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens or creates the journal.
func Open(cfg Config, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	l := logger.Named("journal")
	l.Info("journal opened", zap.String("dir", cfg.Dir), zap.Bool("in_memory", cfg.InMemory))
	return &Journal{db: db, logger: l}, nil
}

// Close releases the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Name() string { return "journal" }

// Publish appends trades and halt transitions. A resume overwrites the
// halt record with its resolved form.
func (j *Journal) Publish(_ context.Context, events []model.Event) error {
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	written := 0
	for _, ev := range events {
		var (
			key     []byte
			payload any
		)
		switch ev.Type {
		case model.EventTrade:
			key, payload = tradeKey(ev.Symbol, ev.Sequence), ev.Trade
		case model.EventHalt, model.EventResume:
			key, payload = haltKey(ev.Sequence), ev.Halt
		default:
			continue
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		if err := wb.Set(key, data); err != nil {
			return fmt.Errorf("journal write: %w", err)
		}
		written++
	}
	if written == 0 {
		return nil
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("journal flush: %w", err)
	}
	j.logger.Debug("journal batch written", zap.Int("records", written))
	return nil
}

// TradesSince returns trades of symbol with Sequence > since in sequence
// order. limit <= 0 means no limit.
func (j *Journal) TradesSince(ctx context.Context, symbol string, since uint64, limit int) ([]model.Trade, error) {
	var out []model.Trade
	prefix := tradeSymbolPrefix(symbol)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(tradeKey(symbol, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var t model.Trade
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &t) }); err != nil {
				return fmt.Errorf("decode trade %q: %w", it.Item().Key(), err)
			}
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// LastTradeSequence returns the highest journalled trade sequence of symbol,
// zero when none.
func (j *Journal) LastTradeSequence(symbol string) (uint64, error) {
	return j.lastSequence(tradeSymbolPrefix(symbol))
}

// LastHaltSequence returns the highest journalled halt sequence, zero when
// none.
func (j *Journal) LastHaltSequence() (uint64, error) {
	return j.lastSequence([]byte(haltPrefix))
}

func (j *Journal) lastSequence(prefix []byte) (uint64, error) {
	var seq uint64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse seek needs a key past every sequence of the prefix
		it.Seek(append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			seq = binary.BigEndian.Uint64(key[len(key)-8:])
		}
		return nil
	})
	return seq, err
}

// Halts returns halt records with Sequence > since in sequence order.
func (j *Journal) Halts(ctx context.Context, since uint64, limit int) ([]model.HaltEvent, error) {
	var out []model.HaltEvent
	prefix := []byte(haltPrefix)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(haltKey(since + 1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var h model.HaltEvent
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &h) }); err != nil {
				return fmt.Errorf("decode halt %q: %w", it.Item().Key(), err)
			}
			out = append(out, h)
			if limit > 0 && len(out) == limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Replay calls fn for every journalled record: trades grouped by symbol in
// sequence order, then halts in sequence order. Iteration stops at the first
// error fn returns.
func (j *Journal) Replay(ctx context.Context, fn func(model.Event) error) error {
	return j.db.View(func(txn *badger.Txn) error {
		for _, p := range []string{tradePrefix, haltPrefix} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(p)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					it.Close()
					return err
				}
				ev, err := decode(p, it.Item())
				if err == nil {
					err = fn(ev)
				}
				if err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
}

func decode(prefix string, item *badger.Item) (model.Event, error) {
	var ev model.Event
	err := item.Value(func(v []byte) error {
		if prefix == tradePrefix {
			var t model.Trade
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			ev = model.TradeEvent(t)
			return nil
		}
		var h model.HaltEvent
		if err := json.Unmarshal(v, &h); err != nil {
			return err
		}
		ev = model.HaltStateEvent(h, !h.Active)
		return nil
	})
	if err != nil {
		return ev, fmt.Errorf("decode %q: %w", item.Key(), err)
	}
	return ev, nil
}

// trade keys sort by symbol, then by big-endian sequence
func tradeSymbolPrefix(symbol string) []byte {
	return []byte(tradePrefix + symbol + "/")
}

func tradeKey(symbol string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(tradeSymbolPrefix(symbol), seq)
}

func haltKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(haltPrefix), seq)
}
