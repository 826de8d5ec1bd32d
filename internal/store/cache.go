package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	summariesBucket = []byte("summaries")
	tradesBucket     = []byte("trades") // nested bucket per strategy id
)

// tradeTailSize bounds how many recent completed trades the cache mirrors
// per strategy; enough to warm a freshly restarted circuit breaker and
// dashboard without re-reading the full authoritative history.
const tradeTailSize = 200

// Mirror is the cache-mirror tier: a bbolt-backed key-value store holding
// strategy summaries and the trailing N completed trades per strategy.
// It is written to only after the authoritative store succeeds, and is
// read only to warm the in-memory view on startup — on any disagreement
// the authoritative store wins.
type Mirror struct {
	db *bolt.DB
}

func OpenMirror(path string) (*Mirror, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt cache: %w", err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(summariesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tradesBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("init cache buckets: %w", err)
	}
	return &Mirror{db: bdb}, nil
}

func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// PutSummary mirrors a strategy's in-memory summary. summary is expected
// to already be JSON (the caller owns the executor.Summary type).
func (m *Mirror) PutSummary(strategyID string, summary json.RawMessage) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(summariesBucket).Put([]byte(strategyID), summary)
	})
}

// GetSummary returns the mirrored summary for strategyID, or nil if absent.
func (m *Mirror) GetSummary(strategyID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(summariesBucket).Get([]byte(strategyID))
		if v != nil {
			out = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	return out, err
}

// AllSummaries returns every mirrored summary, keyed by strategy id, for
// the supervisor's rapid-warm-up read on startup.
func (m *Mirror) AllSummaries() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(summariesBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	return out, err
}

// AppendTrade mirrors a completed trade into a strategy's trade tail,
// trimming to tradeTailSize entries (oldest dropped first).
func (m *Mirror) AppendTrade(strategyID string, ct CompletedTrade) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(tradesBucket)
		b, err := parent.CreateBucketIfNotExists([]byte(strategyID))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(ct)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d", seq)
		if err := b.Put([]byte(key), payload); err != nil {
			return err
		}
		return trimOldest(b, tradeTailSize)
	})
}

// trimOldest deletes keys from the front of b until at most keep entries
// remain. Keys are zero-padded sequence numbers, so iteration order is
// insertion order.
func trimOldest(b *bolt.Bucket, keep int) error {
	count := b.Stats().KeyN
	if count <= keep {
		return nil
	}
	toDelete := count - keep
	c := b.Cursor()
	for k, _ := c.First(); k != nil && toDelete > 0; k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
		toDelete--
	}
	return nil
}

// TradeTail returns the mirrored trailing completed trades for a
// strategy, oldest first.
func (m *Mirror) TradeTail(strategyID string) ([]CompletedTrade, error) {
	var out []CompletedTrade
	err := m.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(tradesBucket)
		b := parent.Bucket([]byte(strategyID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var ct CompletedTrade
			if err := json.Unmarshal(v, &ct); err != nil {
				return err
			}
			out = append(out, ct)
			return nil
		})
	})
	return out, err
}
