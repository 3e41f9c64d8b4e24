// Command adapter-telegram is a thin reference channel adapter: it speaks
// the Telegram Bot API directly and calls into ingress.Core for the
// receive/send plumbing, instead of going through a shell-out send_command.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/ingress"
	"github.com/jaakkos/stringwork/internal/store"
)

const channelName = "telegram"

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	logger := log.New(os.Stderr, "[adapter-telegram] ", log.LstdFlags)

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		logger.Fatal("TELEGRAM_BOT_TOKEN environment variable is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	// One-shot send mode: invoked as this channel's send_command executable,
	// args are [chat_id... content]. Used by the assistant to reply.
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

	allowed := parseAllowedIDs(os.Getenv("TELEGRAM_ALLOWED_IDS"))

	var b *tgbot.Bot
	handler := func(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
		if update.Message == nil {
			return
		}
		chatID := update.Message.Chat.ID
		userID := update.Message.From.ID
		if len(allowed) > 0 && !allowed[userID] {
			logger.Printf("rejecting message from unauthorized user %d", userID)
			return
		}
		endpoint := strconv.FormatInt(chatID, 10)
		id, err := core.Receive(channelName, endpoint, update.Message.Text, store.PriorityNormalUser, false, false)
		if err != nil {
			logger.Printf("receive rejected for chat %d: %v", chatID, err)
			return
		}
		logger.Printf("queued conversation %d from chat %d", id, chatID)
	}

	b, err = tgbot.New(token, tgbot.WithDefaultHandler(handler))
	if err != nil {
		logger.Fatalf("create telegram bot: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	logger.Println("starting long polling")
	b.Start(ctx)
	logger.Println("adapter-telegram stopped")
}

// runSend delivers one message via the Telegram Bot API and exits non-zero
// on failure, matching the exit-code contract shellOutSend relies on.
func runSend(logger *log.Logger, token string, args []string) {
	content := args[len(args)-1]
	endpoints := args[:len(args)-1]

	b, err := tgbot.New(token)
	if err != nil {
		logger.Fatalf("create telegram bot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ep := range endpoints {
		chatID, err := strconv.ParseInt(ep, 10, 64)
		if err != nil {
			logger.Fatalf("parse chat id %q: %v", ep, err)
		}
		if _, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: content}); err != nil {
			logger.Fatalf("send to chat %d: %v", chatID, err)
		}
	}
}

func parseAllowedIDs(csv string) map[int64]bool {
	if csv == "" {
		return nil
	}
	out := make(map[int64]bool)
	for _, part := range strings.Split(csv, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		out[id] = true
	}
	return out
}
