package core

import (
	"container/list"

	"BasisVault/internal/observability"
)

// DBDedupChecker is the cold-path dedup lookup, backed by the event log
// in Postgres.
type DBDedupChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// Deduper is the two-tier idempotency filter for externally supplied
// keys: deposit ids, withdrawal request keys, venue report ids and price
// ticks. Tier 1 is an in-memory LRU, tier 2 the durable event log. Not
// thread-safe; the engine serializes access.
type Deduper struct {
	lru     *dedupLRU
	db      DBDedupChecker
	metrics *observability.Metrics
}

func NewDeduper(capacity int, db DBDedupChecker, metrics *observability.Metrics) *Deduper {
	return &Deduper{
		lru:     newDedupLRU(capacity),
		db:      db,
		metrics: metrics,
	}
}

// IsDuplicate reports whether the (type, key) pair was seen before. A
// tier-2 lookup error is treated as "not a duplicate" so a database
// hiccup cannot stall command processing; the event log's unique
// constraint is the final guard.
func (d *Deduper) IsDuplicate(eventType, key string) bool {
	composite := eventType + ":" + key

	if d.lru.contains(composite) {
		if d.metrics != nil {
			d.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "lru").Inc()
		}
		return true
	}

	if d.db != nil {
		isDup, err := d.db.IsDuplicate(eventType, key)
		if err != nil {
			return false
		}
		if isDup {
			if d.metrics != nil {
				d.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "postgres").Inc()
			}
			d.lru.add(composite)
			return true
		}
	}
	return false
}

// MarkProcessed records the key after the command committed.
func (d *Deduper) MarkProcessed(eventType, key string) {
	d.lru.add(composite(eventType, key))
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.size()))
	}
}

// Warm preloads composite keys recovered from the event log so recent
// redeliveries skip the cold path after a restart.
func (d *Deduper) Warm(keys []string) {
	for _, key := range keys {
		d.lru.add(key)
	}
}

// Keys returns every cached composite key, newest first.
func (d *Deduper) Keys() []string {
	return d.lru.keys()
}

func composite(eventType, key string) string {
	return eventType + ":" + key
}

// dedupLRU is a plain LRU over composite keys. Not thread-safe.
type dedupLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *dedupLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *dedupLRU) add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
		l.evictions++
	}
}

func (l *dedupLRU) size() int { return l.order.Len() }

func (l *dedupLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}
