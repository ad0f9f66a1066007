package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobcast/internal/conn"
	"jobcast/internal/event"
	"jobcast/internal/history"
	"jobcast/internal/session"
)

// recTransport records delivered frames and can be scripted to fail sends.
type recTransport struct {
	mu       sync.Mutex
	open     bool
	failSend bool
	frames   [][]byte
}

func newRecTransport() *recTransport { return &recTransport{open: true} }

func (t *recTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errors.New("write: broken pipe")
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	return nil
}

func (t *recTransport) Close() error {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
	return nil
}

func (t *recTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// take drains the recorded frames.
func (t *recTransport) take() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := t.frames
	t.frames = nil
	return frames
}

// kinds decodes the kind field of every recorded frame, draining them.
func (t *recTransport) kinds() []string {
	var out []string
	for _, frame := range t.take() {
		var decoded struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(frame, &decoded); err == nil {
			out = append(out, decoded.Kind)
		}
	}
	return out
}

// blockingExecutor holds every session in Processing until released, which
// keeps subscriber sets stable while a test fans out.
type blockingExecutor struct {
	release chan struct{}
}

func (e *blockingExecutor) Validate(json.RawMessage) error { return nil }

func (e *blockingExecutor) Run(ctx context.Context, _ json.RawMessage, _ session.ProgressFunc) (json.RawMessage, error) {
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return json.RawMessage(`{}`), nil
}

type fixture struct {
	conns    *conn.Registry
	sessions *session.Registry
	hist     *history.Log
	b        *Broadcaster
	release  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	conns := conn.NewRegistry(zerolog.Nop())
	sessions := session.NewRegistry(&blockingExecutor{release: release}, zerolog.Nop())
	hist := history.NewLog(time.Minute)
	b := New(conns, sessions, hist, zerolog.Nop())
	conns.SetHooks(b, sessions)
	sessions.SetEmitter(b)
	return &fixture{conns: conns, sessions: sessions, hist: hist, b: b, release: release}
}

func (f *fixture) admit(t *testing.T, clientID string) *recTransport {
	t.Helper()
	tr := newRecTransport()
	_, err := f.conns.Admit(clientID, tr)
	require.NoError(t, err)
	return tr
}

func TestSendToDeliversWireEnvelope(t *testing.T) {
	f := newFixture(t)
	tr := f.admit(t, "c1")
	tr.take() // drop the welcome

	f.b.SendTo("c1", event.NewJobRequestAck("c1", "s1", "pending"))

	frames := tr.take()
	require.Len(t, frames, 1)
	var env struct {
		Kind      string `json:"kind"`
		EventID   string `json:"event_id"`
		SessionID string `json:"session_id"`
		ClientID  string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &env))
	assert.Equal(t, "job_request_ack", env.Kind)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, "c1", env.ClientID)
}

func TestSendToAbsentClientIsQuiet(t *testing.T) {
	f := newFixture(t)
	assert.NotPanics(t, func() {
		f.b.SendTo("ghost", event.NewClientJoined("ghost"))
	})
}

func TestAdmitFanOut(t *testing.T) {
	f := newFixture(t)
	tr1 := f.admit(t, "c1")

	// c1 sees its welcome but must not hear about its own arrival.
	assert.Equal(t, []string{"connection_status"}, tr1.kinds())

	tr2 := f.admit(t, "c2")
	assert.Equal(t, []string{"connection_status"}, tr2.kinds())
	assert.Equal(t, []string{"client_joined"}, tr1.kinds())
}

func TestBroadcastExceptSkipsExcluded(t *testing.T) {
	f := newFixture(t)
	tr1 := f.admit(t, "c1")
	tr2 := f.admit(t, "c2")
	tr1.take()
	tr2.take()

	f.b.BroadcastExcept("c1", event.NewClientJoined("c1"))

	assert.Empty(t, tr1.take())
	assert.Equal(t, []string{"client_joined"}, tr2.kinds())
}

// One subscriber's broken transport must not affect delivery to the others,
// and the broken connection is evicted and purged from the session.
func TestFanOutIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	tr1 := f.admit(t, "c1")
	trBad := f.admit(t, "c2")
	tr3 := f.admit(t, "c3")

	id, err := f.sessions.CreateSession("c1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, f.sessions.Subscribe(id, "c2"))
	require.NoError(t, f.sessions.Subscribe(id, "c3"))

	tr1.take()
	trBad.take()
	tr3.take()
	trBad.mu.Lock()
	trBad.failSend = true
	trBad.mu.Unlock()

	f.b.SendToSessionSubscribers(id, event.NewJobProgress(id, "processing", 50, "halfway"))

	assert.Contains(t, tr1.kinds(), "job_progress")
	assert.Contains(t, tr3.kinds(), "job_progress")

	// Eviction happens on a separate goroutine.
	require.Eventually(t, func() bool {
		return !f.conns.IsAlive("c2")
	}, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, sub := range f.sessions.Subscribers(id) {
			if sub == "c2" {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond, "evicted client still subscribed")
}

// rampExecutor reports progress 1..99 in a tight loop, maximizing the
// overlap between a running job and a concurrent Subscribe.
type rampExecutor struct{}

func (rampExecutor) Validate(json.RawMessage) error { return nil }

func (rampExecutor) Run(_ context.Context, _ json.RawMessage, onProgress session.ProgressFunc) (json.RawMessage, error) {
	for p := 1; p <= 99; p++ {
		onProgress(p, "step")
		if p%10 == 0 {
			runtime.Gosched()
		}
	}
	return json.RawMessage(`{}`), nil
}

// A client subscribing mid-run receives its snapshot before any envelope
// fanned out to the grown subscriber set, so its progress stream never
// regresses regardless of how the subscribe interleaves with the runner.
func TestLateSubscriberNeverSeesRegression(t *testing.T) {
	for attempt := 0; attempt < 100; attempt++ {
		conns := conn.NewRegistry(zerolog.Nop())
		sessions := session.NewRegistry(rampExecutor{}, zerolog.Nop())
		b := New(conns, sessions, nil, zerolog.Nop())
		conns.SetHooks(b, sessions)
		sessions.SetEmitter(b)

		tr1 := newRecTransport()
		tr2 := newRecTransport()
		_, err := conns.Admit("c1", tr1)
		require.NoError(t, err)
		_, err = conns.Admit("c2", tr2)
		require.NoError(t, err)

		id, err := sessions.CreateSession("c1", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, sessions.Subscribe(id, "c2"))

		// c1 subscribed from creation, so its job_completed marks the end
		// of the session's emissions.
		require.Eventually(t, func() bool {
			for _, frame := range tr1.take() {
				var decoded struct {
					Kind string `json:"kind"`
				}
				if json.Unmarshal(frame, &decoded) == nil && decoded.Kind == "job_completed" {
					return true
				}
			}
			return false
		}, 2*time.Second, time.Millisecond)

		var percents []int
		for _, frame := range tr2.take() {
			var decoded struct {
				Kind    string `json:"kind"`
				Payload struct {
					ProgressPercent int `json:"progress_percent"`
				} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(frame, &decoded))
			if decoded.Kind == "job_progress" {
				percents = append(percents, decoded.Payload.ProgressPercent)
			}
		}
		require.NotEmpty(t, percents, "subscriber must at least receive its snapshot")
		for i := 1; i < len(percents); i++ {
			require.GreaterOrEqual(t, percents[i], percents[i-1],
				"progress regression %d -> %d on attempt %d", percents[i-1], percents[i], attempt)
		}
	}
}

func TestMalformedEnvelopeRefused(t *testing.T) {
	f := newFixture(t)
	tr := f.admit(t, "c1")
	tr.take()
	before := f.hist.Len()

	f.b.BroadcastAll(&event.Envelope{
		Kind:    event.KindJobProgress,
		EventID: "bogus",
		Payload: "not a progress payload",
	})

	assert.Empty(t, tr.take())
	assert.Equal(t, before, f.hist.Len())
}

func TestDeliveriesRecordedInHistory(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "c1")
	before := f.hist.Len()

	f.b.BroadcastAll(event.NewSystemStatus(event.SystemStatusPayload{ActiveConnections: 1}))

	assert.Equal(t, before+1, f.hist.Len())
	recent := f.hist.Recent()
	assert.Equal(t, event.KindSystemStatus, recent[len(recent)-1].Kind)
}
