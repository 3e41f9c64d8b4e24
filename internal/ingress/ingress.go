// Package ingress implements the channel-adapter interface: the
// receive/send operations a channel-adapter process (Telegram, Discord, or
// any other wire protocol) calls against the core.
package ingress

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jaakkos/stringwork/internal/heartbeat"
	"github.com/jaakkos/stringwork/internal/pendingchannels"
	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
)

// SendCommand resolves a channel name to the executable (and leading
// arguments) configured to deliver content to it.
type SendCommand func(channel string) ([]string, bool)

// Core is the channel-adapter-facing half of the supervision core.
type Core struct {
	store               *store.Store
	pendingChannelsPath string
	resolveSend         SendCommand
	timeout             time.Duration
}

// New builds a Core. timeout bounds each egress shellout, since every
// external call here needs a bounded timeout; zero defaults to 10s.
func New(st *store.Store, pendingChannelsPath string, resolveSend SendCommand, timeout time.Duration) *Core {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Core{store: st, pendingChannelsPath: pendingChannelsPath, resolveSend: resolveSend, timeout: timeout}
}

// ErrRejected is returned by Receive when health is not ok and the caller
// did not set bypassState; the adapter should tell the sender their
// message was not delivered.
var ErrRejected = fmt.Errorf("ingress: rejected, assistant health is not ok")

// Receive implements the ingress half of the channel-adapter interface:
// persist a pending inbound conversation, formatted with the reply-via
// suffix so the assistant knows
// how to address a reply back through this adapter. If health is not ok
// and bypassState is false, the message is refused and (channel, endpoint)
// is recorded to the pending-channels list instead.
func (c *Core) Receive(channel, endpoint, content string, priority int, requireIdle, bypassState bool) (int64, error) {
	if !bypassState {
		health, err := heartbeat.ReadHealth(c.store)
		if err != nil {
			return 0, fmt.Errorf("ingress: read health: %w", err)
		}
		if health != statusfile.HealthOK {
			if err := pendingchannels.Record(c.pendingChannelsPath, pendingchannels.Entry{Channel: channel, EndpointID: endpoint}); err != nil {
				return 0, fmt.Errorf("ingress: record pending channel: %w", err)
			}
			return 0, ErrRejected
		}
	}

	if priority == 0 {
		priority = store.PriorityNormalUser
	}
	sendCmd, _ := c.resolveSend(channel)
	body := content
	if len(sendCmd) > 0 {
		body = fmt.Sprintf("%s\n---- reply via: %s %s %s", content, strings.Join(sendCmd, " "), channel, endpoint)
	}

	id, err := c.store.EnqueueConversation(store.Conversation{
		Direction:   store.DirectionIn,
		Channel:     channel,
		EndpointID:  endpoint,
		Content:     body,
		Priority:    priority,
		RequireIdle: requireIdle,
	})
	if err != nil {
		return 0, fmt.Errorf("ingress: enqueue conversation: %w", err)
	}
	return id, nil
}

// Send implements the egress half of the channel-adapter interface: shell
// out to the channel's send executable, then record an out row reflecting
// the outcome. Exit code 0 means delivered.
func (c *Core) Send(channel string, endpoints []string, content string) error {
	sendErr := c.shellOutSend(channel, endpoints, content)

	status := store.ConversationDelivered
	if sendErr != nil {
		status = store.ConversationFailed
	}
	if _, err := c.store.EnqueueConversation(store.Conversation{
		Direction: store.DirectionOut,
		Channel:   channel,
		Content:   content,
		Status:    status,
	}); err != nil {
		return fmt.Errorf("ingress: record outbound conversation: %w", err)
	}
	return sendErr
}

func (c *Core) shellOutSend(channel string, endpoints []string, content string) error {
	cmd, ok := c.resolveSend(channel)
	if !ok || len(cmd) == 0 {
		return fmt.Errorf("ingress: no send command configured for channel %q", channel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	args := append(append([]string{}, cmd[1:]...), endpoints...)
	args = append(args, content)
	out, err := exec.CommandContext(ctx, cmd[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ingress: send via %s: %w\noutput: %s", cmd[0], err, out)
	}
	return nil
}
