// Package telegram pushes failure alerts to a chat and answers a few
// operator commands.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const alertBuffer = 64

// Controller is the slice of the orchestrator the bot commands reach.
type Controller interface {
	Status() events.Status
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Bot implements events.Publisher. Alerts are queued and sent from Start.
type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	ctrl    Controller
	cfg     config.TelegramConfig
	alerts  chan string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewBot(cfg config.TelegramConfig) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{
		bot:    bot,
		cfg:    cfg,
		alerts: make(chan string, alertBuffer),
	}, nil
}

// Start sends queued alerts and answers commands through ctrl until ctx is
// done. The bot is built before the orchestrator it publishes for, so the
// controller arrives here.
func (b *Bot) Start(ctx context.Context, ctrl Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.ctrl = ctrl
	b.mu.Unlock()

	go b.sendLoop(ctx)

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bot) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-b.alerts:
			if b.cfg.ChatID == 0 {
				continue
			}
			if err := b.SendMessage(ctx, b.cfg.ChatID, text); err != nil {
				slog.Error("failed to send telegram alert", "chat", b.cfg.ChatID, "error", err)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	if len(b.cfg.AllowFrom) > 0 && !slices.Contains(b.cfg.AllowFrom, msg.From.ID) {
		slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", chatID)
		return
	}

	reply, ok := b.command(ctx, parseCommand(msg.Text))
	if !ok {
		return
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

func (b *Bot) command(ctx context.Context, cmd string) (string, bool) {
	switch cmd {
	case "status":
		return formatStatus(b.ctrl.Status()), true
	case "pause":
		if err := b.ctrl.Pause(ctx); err != nil {
			return "Pause failed: " + err.Error(), true
		}
		return "Scheduling paused.", true
	case "resume":
		if err := b.ctrl.Resume(ctx); err != nil {
			return "Resume failed: " + err.Error(), true
		}
		return "Scheduling resumed.", true
	case "help":
		return "Commands: /status /pause /resume", true
	}
	return "", false
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, 4096) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) enqueue(text string) {
	select {
	case b.alerts <- text:
	default:
		slog.Warn("telegram alert dropped, queue full")
	}
}

func (b *Bot) Status(events.Status) {}

func (b *Bot) Log(events.LogLine) {}

func (b *Bot) Task(e events.TaskEvent) {
	if text, ok := taskAlert(e); ok {
		b.enqueue(text)
	}
}

func (b *Bot) Agent(e events.AgentEvent) {
	if text, ok := agentAlert(e); ok {
		b.enqueue(text)
	}
}
