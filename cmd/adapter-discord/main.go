// Command adapter-discord is a thin reference channel adapter: it speaks
// the Discord gateway directly and calls into ingress.Core for the
// receive/send plumbing, instead of going through a shell-out send_command.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/ingress"
	"github.com/jaakkos/stringwork/internal/store"
)

const channelName = "discord"

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	logger := log.New(os.Stderr, "[adapter-discord] ", log.LstdFlags)

	token := os.Getenv("DISCORD_BOT_TOKEN")
	if token == "" {
		logger.Fatal("DISCORD_BOT_TOKEN environment variable is required")
	}
	guildID := os.Getenv("DISCORD_GUILD_ID")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// One-shot send mode: invoked as this channel's send_command executable,
	// args are [channel_id... content].
	if args := flag.Args(); len(args) >= 2 {
		runSend(logger, token, args)
		return
	}

	st, err := store.Open(cfg.ResolvedStateFile())
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	core := ingress.New(st, cfg.ResolvedPendingChannelsPath(), func(ch string) ([]string, bool) {
		a, ok := cfg.Adapters[ch]
		if !ok || len(a.SendCommand) == 0 {
			return nil, false
		}
		return a.SendCommand, true
	}, 10*time.Second)

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Fatalf("create discord session: %v", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.ID == s.State.User.ID {
			return
		}
		if guildID != "" && m.GuildID != guildID {
			return
		}
		id, err := core.Receive(channelName, m.ChannelID, m.Content, store.PriorityNormalUser, false, false)
		if err != nil {
			logger.Printf("receive rejected for channel %s: %v", m.ChannelID, err)
			return
		}
		logger.Printf("queued conversation %d from channel %s", id, m.ChannelID)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logger.Printf("connected as %s#%s", r.User.Username, r.User.Discriminator)
	})

	if err := session.Open(); err != nil {
		logger.Fatalf("open discord session: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Println("listening for messages")
	sig := <-sigCh
	logger.Printf("received signal %v, shutting down", sig)
	cancel()
}

// runSend delivers one message via the Discord REST API and exits non-zero
// on failure, matching the exit-code contract shellOutSend relies on.
func runSend(logger *log.Logger, token string, args []string) {
	content := args[len(args)-1]
	endpoints := args[:len(args)-1]

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Fatalf("create discord session: %v", err)
	}

	for _, channelID := range endpoints {
		if _, err := session.ChannelMessageSend(channelID, content); err != nil {
			logger.Fatalf("send to channel %s: %v", channelID, err)
		}
	}
}
