// Package history keeps a bounded in-memory record of recently emitted
// envelopes. Entries expire on a TTL; nothing is ever replayed to clients,
// the record only feeds the read-only API and tests.
package history

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"jobcast/internal/event"
)

type Log struct {
	entries *cache.Cache
}

// NewLog creates a history log whose entries expire after retention.
func NewLog(retention time.Duration) *Log {
	cleanup := retention / 2
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &Log{entries: cache.New(retention, cleanup)}
}

// Record stores one envelope keyed by its event id.
func (l *Log) Record(env *event.Envelope) {
	if env == nil || env.EventID == "" {
		return
	}
	l.entries.Set(env.EventID, env, cache.DefaultExpiration)
}

// Recent returns the unexpired envelopes ordered by emission time.
func (l *Log) Recent() []*event.Envelope {
	items := l.entries.Items()
	result := make([]*event.Envelope, 0, len(items))
	for _, item := range items {
		if env, ok := item.Object.(*event.Envelope); ok {
			result = append(result, env)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// Len reports the number of unexpired entries.
func (l *Log) Len() int {
	return l.entries.ItemCount()
}
