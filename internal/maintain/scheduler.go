// Package maintain runs the two periodic background loops: the reaper
// (stale-connection eviction + terminal-session sweep) and the heartbeat
// (system_status broadcast). Both run on one cron runner so they start and
// stop as a unit, and a panic in one iteration is recovered and logged
// without killing the loop.
package maintain

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"jobcast/internal/broadcast"
	"jobcast/internal/config"
	"jobcast/internal/conn"
	"jobcast/internal/event"
	"jobcast/internal/session"
)

type Scheduler struct {
	conns       *conn.Registry
	sessions    *session.Registry
	broadcaster *broadcast.Broadcaster
	cfg         *config.Holder
	log         zerolog.Logger
	runner      *cron.Cron
}

func NewScheduler(conns *conn.Registry, sessions *session.Registry, b *broadcast.Broadcaster, cfg *config.Holder, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		conns:       conns,
		sessions:    sessions,
		broadcaster: b,
		cfg:         cfg,
		log:         log.With().Str("component", "maintain").Logger(),
	}
}

// Start registers both loops and begins ticking. Intervals are read once
// here; staleness and retention thresholds are re-read from the config
// holder on every tick, so those follow hot reloads.
func (s *Scheduler) Start() {
	mc := s.cfg.Current().Maintenance

	s.runner = cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	s.runner.Schedule(cron.Every(mc.ReapInterval), cron.FuncJob(s.Reap))
	s.runner.Schedule(cron.Every(mc.HeartbeatInterval), cron.FuncJob(s.Heartbeat))
	s.runner.Start()

	s.log.Info().
		Dur("reap_interval", mc.ReapInterval).
		Dur("heartbeat_interval", mc.HeartbeatInterval).
		Msg("maintenance loops started")
}

// Stop halts both loops and waits for any in-flight iteration to finish.
func (s *Scheduler) Stop() {
	if s.runner == nil {
		return
	}
	<-s.runner.Stop().Done()
	s.log.Info().Msg("maintenance loops stopped")
}

// Reap evicts connections that are both stale and dead, then sweeps
// terminal sessions past the retention window. Exported so one tick can be
// driven directly in tests.
func (s *Scheduler) Reap() {
	mc := s.cfg.Current().Maintenance

	evicted := 0
	for _, clientID := range s.conns.Stale(mc.ConnStaleAfter) {
		if s.conns.IsAlive(clientID) {
			continue
		}
		s.conns.Remove(clientID)
		evicted++
	}

	swept := s.sessions.Sweep(mc.SessionRetention)
	if evicted > 0 || len(swept) > 0 {
		s.log.Info().Int("connections", evicted).Int("sessions", len(swept)).Msg("reap tick")
	}
}

// Heartbeat broadcasts one system_status envelope with current registry
// counts and best-effort host load.
func (s *Scheduler) Heartbeat() {
	payload := event.SystemStatusPayload{
		ActiveConnections: s.conns.Count(),
		ActiveSessions:    s.sessions.ActiveCount(),
	}
	// Host stats are advisory; a probe failure never skips the heartbeat.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload.MemoryPercent = vm.UsedPercent
	}

	s.broadcaster.BroadcastAll(event.NewSystemStatus(payload))
}

// cronLogger adapts zerolog to the cron.Logger interface used by the
// Recover chain.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
