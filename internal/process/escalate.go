package process

import (
	"log/slog"
	"time"
)

// Stage is a step of the termination ladder.
type Stage int

const (
	StageInterrupt Stage = iota
	StageTerminate
	StageKill
	// StageSurvived means the group outlived every stage.
	StageSurvived
)

func (s Stage) String() string {
	switch s {
	case StageInterrupt:
		return "interrupt"
	case StageTerminate:
		return "terminate"
	case StageKill:
		return "kill"
	}
	return "survived"
}

// escalation drives one process group down the ladder
// interrupt -> grace -> terminate -> grace -> kill each member -> grace.
// Scripts may rely on the grace periods for a clean shutdown.
type escalation struct {
	pgid   int
	exited <-chan struct{} // closed once the leader is reaped
	cfg    Config
	log    *slog.Logger
}

// run returns the last stage that was applied, or StageSurvived.
func (e *escalation) run() Stage {
	for st := StageInterrupt; st < StageSurvived; st++ {
		if e.gone() {
			return st
		}
		if e.cfg.OnEscalate != nil {
			e.cfg.OnEscalate(st)
		}
		e.log.Info("stopping process group", "pgid", e.pgid, "stage", st.String())
		e.apply(st)
		if e.waitGone(e.grace(st)) {
			return st
		}
	}
	e.log.Warn("process group survived SIGKILL", "pgid", e.pgid, "members", len(listGroup(e.pgid)))
	return StageSurvived
}

func (e *escalation) apply(st Stage) {
	if st != StageKill {
		if err := signalGroup(e.pgid, st); err != nil {
			e.log.Warn("signal process group failed", "pgid", e.pgid, "stage", st.String(), "error", err)
		}
		return
	}
	for _, m := range listGroup(e.pgid) {
		if err := killMember(m); err != nil {
			e.log.Warn("kill failed", "pid", m.pid, "error", err)
		}
	}
}

func (e *escalation) grace(st Stage) time.Duration {
	switch st {
	case StageInterrupt:
		return e.cfg.InterruptGrace
	case StageTerminate:
		return e.cfg.TerminateGrace
	}
	return e.cfg.KillGrace
}

func (e *escalation) leaderExited() bool {
	select {
	case <-e.exited:
		return true
	default:
		return false
	}
}

func (e *escalation) gone() bool {
	return e.leaderExited() && len(listGroup(e.pgid)) == 0
}

// waitGone polls until the group is gone or d elapses.
func (e *escalation) waitGone(d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.PollInterval)
	defer tick.Stop()
	exited := e.exited
	for {
		if e.gone() {
			return true
		}
		select {
		case <-deadline.C:
			return e.gone()
		case <-tick.C:
		case <-exited:
			exited = nil
		}
	}
}
