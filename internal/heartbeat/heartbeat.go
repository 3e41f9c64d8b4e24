// Package heartbeat implements the health state machine and probe
// scheduling. It is a library embedded in the Guardian process, not a
// separate daemon — the process topology names only Guardian,
// Dispatcher, and Scheduler as independent OS processes.
package heartbeat

import (
	"fmt"
	"log"
	"time"

	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
	"github.com/jaakkos/stringwork/internal/storeerr"
)

// Phase identifies which probe a pending control entry represents.
type Phase string

const (
	PhasePrimary         Phase = "primary"
	PhaseStuck           Phase = "stuck"
	PhaseRecovery        Phase = "recovery"
	PhaseDownCheck        Phase = "down-check"
	PhaseRateLimitCheck  Phase = "rate-limit-check"
)

// Meta table keys used to persist the health state machine across Guardian
// restarts.
const (
	metaHealth         = "heartbeat_health"
	metaFailCount      = "heartbeat_fail_count"
	metaLastTransition = "heartbeat_last_transition_at"
	metaRateLimitReset = "heartbeat_rate_limit_reset_at"
	metaLastPrimaryAt  = "heartbeat_last_primary_at"
)

// Config carries the engine's tunables.
type Config struct {
	PrimaryInterval     time.Duration
	MaxFailCount        int
	DownRetryInterval   time.Duration
	RateLimitProbeInterval time.Duration
	PaneSession         string // tmux session to kill on recovery transitions
	PaneTarget          string // pane target the probe is pasted into
}

// recoveryBackoff returns min(failCount*60, 300) seconds.
func recoveryBackoff(failCount int) time.Duration {
	d := time.Duration(failCount) * 60 * time.Second
	ceiling := 300 * time.Second
	if d > ceiling {
		return ceiling
	}
	return d
}

// Engine owns health-state transitions and the single in-flight heartbeat
// control entry.
type Engine struct {
	store  *store.Store
	pane   pane.Controller
	cfg    Config
	logger *log.Logger
}

// New builds an Engine.
func New(st *store.Store, controller pane.Controller, cfg Config, logger *log.Logger) *Engine {
	return &Engine{store: st, pane: controller, cfg: cfg, logger: logger}
}

// ReadHealth reads the persisted health state directly from the store,
// for callers like the channel adapters that need to gate on health
// without running a full Engine.
func ReadHealth(st *store.Store) (statusfile.Health, error) {
	v, ok, err := st.GetMeta(metaHealth)
	if err != nil {
		return "", err
	}
	if !ok {
		return statusfile.HealthOK, nil
	}
	return statusfile.Health(v), nil
}

// Health returns the currently persisted health state, defaulting to ok
// for a freshly created database.
func (e *Engine) Health() (statusfile.Health, error) {
	v, ok, err := e.store.GetMeta(metaHealth)
	if err != nil {
		return "", err
	}
	if !ok {
		return statusfile.HealthOK, nil
	}
	return statusfile.Health(v), nil
}

func (e *Engine) failCount() (int, error) {
	v, ok, err := e.store.GetMeta(metaFailCount)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n, nil
}

func (e *Engine) lastTransition() (time.Time, error) {
	v, ok, err := e.store.GetMeta(metaLastTransition)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// RateLimitResetAt returns the recorded reset time for a rate_limited
// health, zero if none recorded.
func (e *Engine) RateLimitResetAt() (time.Time, error) {
	v, ok, err := e.store.GetMeta(metaRateLimitReset)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (e *Engine) setHealth(h statusfile.Health) error {
	now := time.Now()
	if err := e.store.SetMeta(metaHealth, string(h)); err != nil {
		return err
	}
	return e.store.SetMeta(metaLastTransition, now.Format(time.RFC3339Nano))
}

func (e *Engine) setFailCount(n int) error {
	return e.store.SetMeta(metaFailCount, fmt.Sprintf("%d", n))
}

// killPane terminates the assistant's pane session. Idempotent.
func (e *Engine) killPane() {
	if err := e.pane.KillSession(e.cfg.PaneSession); err != nil {
		e.logger.Printf("heartbeat: kill session %s: %v", e.cfg.PaneSession, err)
	}
}

// EnterRateLimited transitions ok -> rate_limited, recording resetAt, in
// response to a rate-limit signal surfaced by the assistant via CLI.
func (e *Engine) EnterRateLimited(resetAt time.Time) error {
	if err := e.store.ClearHeartbeatPending(); err != nil {
		return err
	}
	if err := e.store.SetMeta(metaRateLimitReset, resetAt.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	e.logger.Printf("heartbeat: ok -> rate_limited (reset_at=%s)", resetAt)
	return e.setHealth(statusfile.HealthRateLimited)
}

// HandleTimeout processes a heartbeat-phase control entry that timed out
// without being acked, applying the health state transition table.
func (e *Engine) HandleTimeout(phase Phase) error {
	health, err := e.Health()
	if err != nil {
		return err
	}
	switch health {
	case statusfile.HealthOK:
		// primary or stuck timeout -> recovering, kill pane.
		e.logger.Printf("heartbeat: ok -> recovering (%s timeout)", phase)
		e.killPane()
		if err := e.setFailCount(0); err != nil {
			return err
		}
		return e.setHealth(statusfile.HealthRecovering)
	case statusfile.HealthRecovering:
		fc, err := e.failCount()
		if err != nil {
			return err
		}
		fc++
		if err := e.setFailCount(fc); err != nil {
			return err
		}
		if fc >= e.cfg.MaxFailCount {
			e.logger.Printf("heartbeat: recovering -> down (fail_count=%d)", fc)
			return e.setHealth(statusfile.HealthDown)
		}
		e.logger.Printf("heartbeat: recovering -> recovering (fail_count=%d, kill+retry)", fc)
		e.killPane()
		return nil
	case statusfile.HealthDown:
		e.logger.Printf("heartbeat: down -> down (%s timeout, no kill)", phase)
		return nil
	case statusfile.HealthRateLimited:
		e.logger.Printf("heartbeat: rate_limited -> rate_limited (%s timeout, no kill)", phase)
		return nil
	}
	return nil
}

// HandleSuccess processes an acked heartbeat-phase control entry. It
// returns recovered=true when this success is the transition back to ok —
// the Guardian uses that signal to run the pending-channels recovery
// notification.
func (e *Engine) HandleSuccess(phase Phase) (recovered bool, err error) {
	health, err := e.Health()
	if err != nil {
		return false, err
	}
	switch health {
	case statusfile.HealthOK:
		return false, nil // primary succeeded normally, nothing to do
	case statusfile.HealthRecovering, statusfile.HealthDown, statusfile.HealthRateLimited:
		e.logger.Printf("heartbeat: %s -> ok (%s succeeded)", health, phase)
		if err := e.setFailCount(0); err != nil {
			return false, err
		}
		if err := e.setHealth(statusfile.HealthOK); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Poll checks the single in-flight heartbeat control entry (if any) and
// applies its outcome. Call once per Guardian tick.
func (e *Engine) Poll() (recovered bool, err error) {
	c, err := e.store.PendingHeartbeat()
	if err != nil {
		if err == storeerr.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	switch c.Status {
	case store.ControlDone:
		return e.HandleSuccess(Phase(c.HeartbeatPhase))
	case store.ControlTimeout:
		return false, e.HandleTimeout(Phase(c.HeartbeatPhase))
	default:
		if time.Now().After(c.AckDeadlineAt) {
			if _, err := e.store.AckControl(c.ID); err != nil {
				return false, err
			}
			return false, e.HandleTimeout(Phase(c.HeartbeatPhase))
		}
		return false, nil
	}
}

// MaybeIssueProbe enqueues the right heartbeat control entry for the
// current health state, if one is due and none is already pending. It is
// called once per Guardian tick.
func (e *Engine) MaybeIssueProbe() error {
	if _, err := e.store.PendingHeartbeat(); err == nil {
		return nil // already one in flight
	} else if err != storeerr.ErrNotFound {
		return err
	}

	health, err := e.Health()
	if err != nil {
		return err
	}
	last, err := e.lastTransition()
	if err != nil {
		return err
	}

	var phase Phase
	var dueAt time.Time
	switch health {
	case statusfile.HealthOK:
		return nil // primary probes are issued on their own interval by IssuePrimary, not here
	case statusfile.HealthRecovering:
		fc, err := e.failCount()
		if err != nil {
			return err
		}
		phase = PhaseRecovery
		dueAt = last.Add(recoveryBackoff(fc))
	case statusfile.HealthDown:
		phase = PhaseDownCheck
		dueAt = last.Add(e.cfg.DownRetryInterval)
	case statusfile.HealthRateLimited:
		phase = PhaseRateLimitCheck
		dueAt = last.Add(e.cfg.RateLimitProbeInterval)
	default:
		return nil
	}
	if time.Now().Before(dueAt) {
		return nil
	}
	return e.issue(phase)
}

// IssuePrimary enqueues the periodic primary heartbeat while ok, if no
// heartbeat is already pending and PrimaryInterval has elapsed since the
// last one issued. The last-issued time is persisted in the meta table so
// it survives a Guardian restart, rather than tracked by the caller.
func (e *Engine) IssuePrimary() error {
	health, err := e.Health()
	if err != nil {
		return err
	}
	if health != statusfile.HealthOK {
		return nil
	}
	last, err := e.lastPrimaryAt()
	if err != nil {
		return err
	}
	if time.Since(last) < e.cfg.PrimaryInterval {
		return nil
	}
	if _, err := e.store.PendingHeartbeat(); err == nil {
		return nil
	} else if err != storeerr.ErrNotFound {
		return err
	}
	if err := e.store.SetMeta(metaLastPrimaryAt, time.Now().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return e.issue(PhasePrimary)
}

func (e *Engine) lastPrimaryAt() (time.Time, error) {
	v, ok, err := e.store.GetMeta(metaLastPrimaryAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// IssueStuckProbe enqueues a stuck-phase heartbeat when the caller has
// observed no assistant activity for long enough to suspect a hang.
func (e *Engine) IssueStuckProbe() error {
	if _, err := e.store.PendingHeartbeat(); err == nil {
		return nil
	} else if err != storeerr.ErrNotFound {
		return err
	}
	return e.issue(PhaseStuck)
}

func (e *Engine) issue(phase Phase) error {
	content := fmt.Sprintf("[heartbeat:%s] Reply immediately by running: panewardctl ack-control --id %s", phase, store.ControlPlaceholder)
	_, err := e.store.EnqueueControl("", "", content, store.EnqueueControlOptions{
		Priority:       store.PrioritySystemIdleRequired,
		BypassState:    true,
		AckDeadline:    2 * time.Minute,
		HeartbeatPhase: string(phase),
	})
	if err != nil {
		return fmt.Errorf("heartbeat: issue %s probe: %w", phase, err)
	}
	e.logger.Printf("heartbeat: issued %s probe", phase)
	return nil
}
