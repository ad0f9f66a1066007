package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcast/internal/event"
)

func TestRecordAndRecentOrdering(t *testing.T) {
	l := NewLog(time.Minute)

	first := event.NewClientJoined("c1")
	second := event.NewClientJoined("c2")
	second.Timestamp = first.Timestamp.Add(time.Second)

	l.Record(second)
	l.Record(first)

	recent := l.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, first.EventID, recent[0].EventID)
	assert.Equal(t, second.EventID, recent[1].EventID)
}

func TestRecordIgnoresNilAndUnidentified(t *testing.T) {
	l := NewLog(time.Minute)
	l.Record(nil)
	l.Record(&event.Envelope{Kind: event.KindClientJoined})
	assert.Equal(t, 0, l.Len())
}

func TestRecordSameEventIDOverwrites(t *testing.T) {
	l := NewLog(time.Minute)
	env := event.NewClientJoined("c1")
	l.Record(env)
	l.Record(env)
	assert.Equal(t, 1, l.Len())
}

func TestEntriesExpire(t *testing.T) {
	l := NewLog(20 * time.Millisecond)
	l.Record(event.NewClientJoined("c1"))
	require.Equal(t, 1, l.Len())

	assert.Eventually(t, func() bool {
		return len(l.Recent()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
