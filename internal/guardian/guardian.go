// Package guardian implements the Activity Guardian: the process that
// keeps the assistant alive in its pane, emits the status file every
// tick, drives the heartbeat engine, and runs the pending-channels
// recovery protocol.
package guardian

import (
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaakkos/stringwork/internal/heartbeat"
	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/pendingchannels"
	"github.com/jaakkos/stringwork/internal/statusfile"
)

// Config carries the Guardian's tunables, mirroring config.GuardianConfig
// plus the pane target it supervises.
type Config struct {
	TickInterval          time.Duration
	IdleThreshold         time.Duration
	RestartDelay          time.Duration // consecutive not-running duration before a restart is triggered
	RestartGrace          time.Duration
	MaintenanceCap        time.Duration
	StuckProbeThreshold   time.Duration
	TranscriptGlob        string
	StatusFilePath        string
	PendingChannelsPath   string
	MaintenancePatterns   []string // process-name substrings that mean "don't race the upgrade"
	Session               string
	Target                string // pane target, e.g. "paneward:assistant.0"
	Command               []string
	ForegroundProcessName string // e.g. "claude"
	CatchUpPrompt         string
}

// SendFunc delivers a recovery notification to one channel/endpoint, used
// for the pending-channels protocol. Supplied by the caller so this
// package never needs to know about channel adapters directly.
type SendFunc func(channel, endpoint, content string) error

// Guardian owns the tick loop: observe the pane, derive a state, act on it.
type Guardian struct {
	pane      pane.Controller
	heartbeat *heartbeat.Engine
	cfg       Config
	logger    *log.Logger
	send      SendFunc

	notRunningTicks int
	graceUntil      time.Time
	maintenanceSince time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Guardian.
func New(controller pane.Controller, hb *heartbeat.Engine, cfg Config, logger *log.Logger, send SendFunc) *Guardian {
	return &Guardian{
		pane:      controller,
		heartbeat: hb,
		cfg:       cfg,
		logger:    logger,
		send:      send,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (g *Guardian) Start(ctx context.Context) {
	defer close(g.doneCh)
	g.logger.Printf("guardian: started (tick=%s, idle_threshold=%s, restart_delay=%s)",
		g.cfg.TickInterval, g.cfg.IdleThreshold, g.cfg.RestartDelay)

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Println("guardian: stopped (context cancelled)")
			return
		case <-g.stopCh:
			g.logger.Println("guardian: stopped")
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

// Stop signals the tick loop to exit and waits for it to finish.
func (g *Guardian) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

// Observation is the raw per-tick signal the Guardian derives state from.
type Observation struct {
	PaneExists   bool
	Foreground   string
	LastActivity time.Time
}

func (g *Guardian) observe() Observation {
	var obs Observation
	has, err := g.pane.HasSession(g.cfg.Session)
	if err != nil {
		g.logger.Printf("guardian: has-session %s: %v", g.cfg.Session, err)
	}
	obs.PaneExists = has
	if !has {
		return obs
	}

	fg, err := g.pane.ForegroundProcessName(g.cfg.Target)
	if err != nil {
		g.logger.Printf("guardian: foreground process: %v", err)
	}
	obs.Foreground = fg

	obs.LastActivity = g.transcriptMTime()
	if obs.LastActivity.IsZero() {
		if at, err := g.pane.PaneActivityTime(g.cfg.Target); err == nil {
			obs.LastActivity = at
		} else {
			g.logger.Printf("guardian: pane activity time: %v", err)
		}
	}
	return obs
}

// transcriptMTime returns the mtime of the most recently modified file
// matching TranscriptGlob, zero if none match or the glob is unset.
func (g *Guardian) transcriptMTime() time.Time {
	if g.cfg.TranscriptGlob == "" {
		return time.Time{}
	}
	matches, err := filepath.Glob(g.cfg.TranscriptGlob)
	if err != nil || len(matches) == 0 {
		return time.Time{}
	}
	var latest time.Time
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err == nil && fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return latest
}

// deriveState maps a pane observation to a status-file state.
func deriveState(obs Observation, processRunning bool, idleThreshold time.Duration) statusfile.State {
	if !obs.PaneExists {
		return statusfile.StateOffline
	}
	if !processRunning {
		return statusfile.StateStopped
	}
	if obs.LastActivity.IsZero() {
		return statusfile.StateIdle
	}
	if time.Since(obs.LastActivity) < idleThreshold {
		return statusfile.StateBusy
	}
	return statusfile.StateIdle
}

func (g *Guardian) processRunning(obs Observation) bool {
	if obs.Foreground == "" {
		return false
	}
	return strings.Contains(obs.Foreground, g.cfg.ForegroundProcessName)
}

// tick runs one observe/derive/act cycle.
func (g *Guardian) tick() {
	obs := g.observe()
	running := g.processRunning(obs)
	state := deriveState(obs, running, g.cfg.IdleThreshold)

	g.trackRestartCounter(state)

	if state == statusfile.StateOffline || state == statusfile.StateStopped {
		g.maybeRestart(state)
	} else {
		g.notRunningTicks = 0
	}

	if state == statusfile.StateBusy && !obs.LastActivity.IsZero() &&
		time.Since(obs.LastActivity) > g.cfg.StuckProbeThreshold {
		if err := g.heartbeat.IssueStuckProbe(); err != nil {
			g.logger.Printf("guardian: issue stuck probe: %v", err)
		}
	}

	recovered, err := g.heartbeat.Poll()
	if err != nil {
		g.logger.Printf("guardian: heartbeat poll: %v", err)
	}
	if recovered {
		g.notifyPendingChannels()
	}
	if err := g.heartbeat.IssuePrimary(); err != nil {
		g.logger.Printf("guardian: issue primary heartbeat: %v", err)
	}
	if err := g.heartbeat.MaybeIssueProbe(); err != nil {
		g.logger.Printf("guardian: issue recovery probe: %v", err)
	}

	health, err := g.heartbeat.Health()
	if err != nil {
		g.logger.Printf("guardian: read health: %v", err)
		health = statusfile.HealthOK
	}

	idleSeconds := 0
	if !obs.LastActivity.IsZero() {
		idleSeconds = int(time.Since(obs.LastActivity).Seconds())
	}
	status := statusfile.Status{
		SchemaVersion: statusfile.SchemaVersion,
		State:         state,
		Health:        health,
		IdleSeconds:   idleSeconds,
		LastActivity:  obs.LastActivity,
	}
	if health == statusfile.HealthRateLimited {
		if resetAt, err := g.heartbeat.RateLimitResetAt(); err == nil {
			status.RateLimitResetAt = resetAt
		}
	}
	if err := statusfile.Write(g.cfg.StatusFilePath, status); err != nil {
		g.logger.Printf("guardian: write status file: %v", err)
	}
}

func (g *Guardian) trackRestartCounter(state statusfile.State) {
	if state == statusfile.StateOffline || state == statusfile.StateStopped {
		if time.Now().Before(g.graceUntil) {
			return // within the post-restart grace window; don't count
		}
		g.notRunningTicks++
	}
}

// maybeRestart starts or restarts the assistant once the not-running
// counter reaches RestartDelay, unless a maintenance script is in flight.
func (g *Guardian) maybeRestart(state statusfile.State) {
	if time.Now().Before(g.graceUntil) {
		return
	}
	elapsed := time.Duration(g.notRunningTicks) * g.cfg.TickInterval
	if elapsed < g.cfg.RestartDelay {
		return
	}
	if g.maintenanceInFlight() {
		return
	}

	g.logger.Printf("guardian: restarting assistant (state=%s, not-running for %s)", state, elapsed)
	if err := g.pane.KillSession(g.cfg.Session); err != nil {
		g.logger.Printf("guardian: kill stale session before restart: %v", err)
	}
	if err := g.pane.CreateSession(g.cfg.Session, g.cfg.Command); err != nil {
		g.logger.Printf("guardian: create session: %v", err)
		return
	}
	g.notRunningTicks = 0
	g.graceUntil = time.Now().Add(g.cfg.RestartGrace)

	if g.cfg.CatchUpPrompt != "" {
		if err := g.pane.PasteAndEnter(g.cfg.Target, g.cfg.CatchUpPrompt); err != nil {
			g.logger.Printf("guardian: paste catch-up prompt: %v", err)
		}
	}
}

// maintenanceInFlight polls the process table for scripts matching one of
// MaintenancePatterns, shelling out with a bounded timeout. Detection is capped at MaintenanceCap total so a
// stuck maintenance process can't block restarts forever.
func (g *Guardian) maintenanceInFlight() bool {
	if len(g.cfg.MaintenancePatterns) == 0 {
		return false
	}
	if g.maintenanceSince.IsZero() {
		if !g.maintenanceDetected() {
			return false
		}
		g.maintenanceSince = time.Now()
		g.logger.Printf("guardian: maintenance script detected, deferring restart")
		return true
	}
	if time.Since(g.maintenanceSince) > g.cfg.MaintenanceCap {
		g.logger.Printf("guardian: maintenance cap exceeded, proceeding with restart anyway")
		g.maintenanceSince = time.Time{}
		return false
	}
	if !g.maintenanceDetected() {
		g.maintenanceSince = time.Time{}
		return false
	}
	return true
}

func (g *Guardian) maintenanceDetected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pattern := range g.cfg.MaintenancePatterns {
		out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).CombinedOutput()
		if err == nil && strings.TrimSpace(string(out)) != "" {
			return true
		}
	}
	return false
}

// notifyPendingChannels runs the recovery half of the protocol: on return
// to ok, notify every pending channel and clear the list.
func (g *Guardian) notifyPendingChannels() {
	entries, err := pendingchannels.List(g.cfg.PendingChannelsPath)
	if err != nil {
		g.logger.Printf("guardian: list pending channels: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		if err := g.send(e.Channel, e.EndpointID, "The assistant has recovered and is responsive again."); err != nil {
			g.logger.Printf("guardian: notify pending channel %s/%s: %v", e.Channel, e.EndpointID, err)
		}
	}
	if err := pendingchannels.Clear(g.cfg.PendingChannelsPath); err != nil {
		g.logger.Printf("guardian: clear pending channels: %v", err)
	}
}
