// Package bus implements the Dispatcher: the component that drains the
// conversation and control queues in priority order and delivers each
// entry to the assistant pane exactly once.
package bus

import (
	"context"
	"log"
	"time"

	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
	"github.com/jaakkos/stringwork/internal/storeerr"
)

// Config carries the Dispatcher's tunables, mirroring
// config.DispatcherConfig without importing the config package directly so
// this package stays usable from tests with hand-built values.
type Config struct {
	IdlePoll        time.Duration
	ActivePoll      time.Duration
	MaxRetries      int
	IdleThreshold   int // seconds; forwarded to statusfile.Status.IsIdle
	PaneTarget      string
	StatusFilePath  string
}

// Dispatcher drains the conversation and control queues onto the pane.
type Dispatcher struct {
	store  *store.Store
	pane   pane.Controller
	cfg    Config
	logger *log.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Dispatcher. controller is the pane abstraction; pass a
// pane.Mock in tests.
func New(st *store.Store, controller pane.Controller, cfg Config, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		pane:   controller,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.doneCh)
	d.logger.Printf("dispatcher: started (idle_poll=%s, active_poll=%s, max_retries=%d)",
		d.cfg.IdlePoll, d.cfg.ActivePoll, d.cfg.MaxRetries)

	poll := d.cfg.IdlePoll
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("dispatcher: stopped (context cancelled)")
			return
		case <-d.stopCh:
			d.logger.Println("dispatcher: stopped")
			return
		case <-timer.C:
			delivered := d.tick()
			if delivered {
				poll = d.cfg.ActivePoll
			} else {
				poll = d.cfg.IdlePoll
			}
			timer.Reset(poll)
		}
	}
}

// Stop signals the poll loop to exit and waits for it to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// tick runs one poll cycle: reap timed-out control entries, then claim and
// deliver at most one entry. Returns true if something was delivered, so
// the caller can switch to the faster post-delivery poll interval.
func (d *Dispatcher) tick() bool {
	if _, err := d.store.ReapTimedOutControl(); err != nil {
		d.logger.Printf("dispatcher: reap timed out control: %v", err)
	}

	status, ok := statusfile.ReadOrFailOpen(d.cfg.StatusFilePath)
	if !ok {
		d.logger.Printf("dispatcher: status file missing or malformed, assuming idle (fail-open)")
	}
	idle := status.IsIdle(d.cfg.IdleThreshold)
	healthOK := status.Health == statusfile.HealthOK

	source, err := d.pickSource(idle, healthOK)
	if err != nil {
		d.logger.Printf("dispatcher: pick source: %v", err)
		return false
	}
	switch source {
	case sourceNone:
		return false
	case sourceControl:
		return d.deliverControl(idle, healthOK)
	case sourceConversation:
		return d.deliverConversation(idle)
	}
	return false
}

type source int

const (
	sourceNone source = iota
	sourceControl
	sourceConversation
)

// pickSource peeks both queues' best candidate priority without claiming
// either, and decides which queue to draw from: control wins ties at the
// same numeric priority.
func (d *Dispatcher) pickSource(idle, healthOK bool) (source, error) {
	controlPriority, controlOK, err := d.store.PeekNextControlPriority(idle, healthOK)
	if err != nil {
		return sourceNone, err
	}
	convPriority, convOK, err := d.store.PeekNextConversationPriority(idle)
	if err != nil {
		return sourceNone, err
	}
	switch {
	case !controlOK && !convOK:
		return sourceNone, nil
	case controlOK && !convOK:
		return sourceControl, nil
	case !controlOK && convOK:
		return sourceConversation, nil
	case controlPriority <= convPriority:
		return sourceControl, nil
	default:
		return sourceConversation, nil
	}
}

func (d *Dispatcher) deliverConversation(idle bool) bool {
	c, err := d.store.ClaimNextConversation(idle)
	if err != nil {
		if err != storeerr.ErrNotFound && err != storeerr.ErrConflict {
			d.logger.Printf("dispatcher: claim conversation: %v", err)
		}
		return false
	}
	if err := d.pane.PasteAndEnter(d.cfg.PaneTarget, c.Content); err != nil {
		d.logger.Printf("dispatcher: deliver conversation %d: %v", c.ID, err)
		if revertErr := d.store.RevertConversation(c.ID, d.cfg.MaxRetries); revertErr != nil {
			d.logger.Printf("dispatcher: revert conversation %d: %v", c.ID, revertErr)
		}
		return false
	}
	if err := d.store.MarkDelivered(c.ID); err != nil {
		d.logger.Printf("dispatcher: mark conversation %d delivered: %v", c.ID, err)
	}
	return true
}

func (d *Dispatcher) deliverControl(idle, healthOK bool) bool {
	c, err := d.store.ClaimNextControl(idle, healthOK)
	if err != nil {
		if err != storeerr.ErrNotFound && err != storeerr.ErrConflict {
			d.logger.Printf("dispatcher: claim control: %v", err)
		}
		return false
	}
	if time.Now().After(c.AckDeadlineAt) {
		if _, err := d.store.AckControl(c.ID); err != nil {
			d.logger.Printf("dispatcher: timeout control %d: %v", c.ID, err)
		}
		return false
	}
	if err := d.pane.PasteAndEnter(d.cfg.PaneTarget, c.Content); err != nil {
		d.logger.Printf("dispatcher: deliver control %d: %v", c.ID, err)
		if revertErr := d.store.RevertControl(c.ID); revertErr != nil {
			d.logger.Printf("dispatcher: revert control %d: %v", c.ID, revertErr)
		}
		return false
	}
	// Delivery only pastes the instruction; the control entry stays
	// running until the assistant explicitly acks it (or it times out),
	// per the ack-deadline contract.
	return true
}
