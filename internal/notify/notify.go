// Package notify dispatches engine events (position opened/closed, guard
// locks, repeated timeout losses) to Telegram and Firebase Cloud
// Messaging through an owned, bounded channel: the engine only enqueues,
// this package drains.
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"google.golang.org/api/option"

	"btcperp-engine/internal/model"
)

// Event is one notification the driver enqueues; the dispatch goroutine
// renders and sends it. The engine never blocks on delivery.
type Event struct {
	Kind    string // "trade_closed", "guard_locked", "alert"
	Text    string
	Trade   *model.TradeRecord
}

const queueDepth = 500

// Dispatcher owns the bounded event channel and the Telegram/FCM
// clients. A nil client for either transport simply skips that leg.
type Dispatcher struct {
	events chan Event

	bot    *tgbotapi.BotAPI
	chatID int64

	fcm *messaging.Client
}

// New wires up whichever transports have credentials available. Missing
// credentials are logged and that leg is disabled, never fatal.
func New(telegramToken string, telegramChatID int64, firebaseCredentialsFile string) *Dispatcher {
	d := &Dispatcher{events: make(chan Event, queueDepth)}

	if telegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(telegramToken)
		if err != nil {
			log.Printf("notify: telegram init failed, notifications disabled: %v", err)
		} else {
			d.bot = bot
			d.chatID = telegramChatID
			log.Printf("notify: authorized on telegram account %s", bot.Self.UserName)
		}
	}

	if firebaseCredentialsFile != "" {
		opt := option.WithCredentialsFile(firebaseCredentialsFile)
		app, err := firebase.NewApp(context.Background(), nil, opt)
		if err != nil {
			log.Printf("notify: firebase init failed, push disabled: %v", err)
		} else if client, err := app.Messaging(context.Background()); err != nil {
			log.Printf("notify: firebase messaging client failed, push disabled: %v", err)
		} else {
			d.fcm = client
		}
	}

	return d
}

// Enqueue pushes an event for the dispatch goroutine to drain; a full
// queue drops the event rather than blocking the driver loop.
func (d *Dispatcher) Enqueue(ev Event) {
	select {
	case d.events <- ev:
	default:
		log.Println("notify: event queue full, dropping event")
	}
}

// Run drains the event queue until stop is closed. The engine only
// enqueues; this goroutine performs the actual I/O.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-d.events:
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	if d.bot != nil && d.chatID != 0 {
		msg := tgbotapi.NewMessage(d.chatID, ev.Text)
		msg.ParseMode = "Markdown"
		if _, err := d.bot.Send(msg); err != nil {
			log.Printf("notify: telegram send failed: %v", err)
		}
	}
	if d.fcm != nil {
		message := &messaging.Message{
			Notification: &messaging.Notification{Title: "btcperp-engine", Body: ev.Text},
			Topic:        "engine_events",
		}
		if _, err := d.fcm.Send(context.Background(), message); err != nil {
			log.Printf("notify: fcm send failed: %v", err)
		}
	}
}

// TradeClosedEvent formats a trade-closed notification.
func TradeClosedEvent(rec model.TradeRecord) Event {
	return Event{
		Kind: "trade_closed", Trade: &rec,
		Text: fmt.Sprintf("*%s closed* | %s | PnL net: $%.2f | reason: %s",
			rec.Side, rec.Result, rec.PnlNet, rec.ExitReason),
	}
}

// GuardLockedEvent formats a guard-lock notification.
func GuardLockedEvent(reason string) Event {
	return Event{Kind: "guard_locked", Text: fmt.Sprintf("*Entries blocked*: %s", reason)}
}

// ParseChatID parses a Telegram chat-id string, returning 0 when empty or
// invalid. A zero chat id makes dispatch skip the Telegram leg.
func ParseChatID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
