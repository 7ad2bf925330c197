package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coreproxy/internal/storage"
)

// Status is the slice of the relay the bot reads for /stats.
type Status interface {
	Connected() bool
	PeerVersion() string
}

// Bot handles Telegram bot interactions for admin statistics
type Bot struct {
	token        string
	adminID      int64
	store        storage.Store
	status       Status
	stopCh       chan struct{}
	lastUpdateID int64
}

// NewBot creates a new Telegram bot instance
func NewBot(token string, adminID int64, store storage.Store, status Status) *Bot {
	return &Bot{
		token:   token,
		adminID: adminID,
		store:   store,
		status:  status,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the long polling loop for receiving updates
func (b *Bot) Start() {
	if b.token == "" || b.adminID == 0 {
		log.Println("Telegram bot not configured (missing token or admin ID)")
		return
	}

	log.Println("Starting Telegram admin bot...")

	go b.pollUpdates()
}

// Stop gracefully stops the bot
func (b *Bot) Stop() {
	close(b.stopCh)
}

// Notify pushes a one-off message to the admin. Used for core
// connect/disconnect and provisioning events. No-op when unconfigured.
func (b *Bot) Notify(text string) {
	if b.token == "" || b.adminID == 0 {
		return
	}
	b.sendMessage(b.adminID, text)
}

// Update represents a Telegram update
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a Telegram message
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// User represents a Telegram user
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat represents a Telegram chat
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// GetUpdatesResponse represents the response from getUpdates
type GetUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []Update `json:"result"`
}

func (b *Bot) pollUpdates() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			updates, err := b.getUpdates()
			if err != nil {
				log.Printf("Error getting updates: %v", err)
				continue
			}

			for _, update := range updates {
				b.handleUpdate(update)
				b.lastUpdateID = update.UpdateID
			}
		}
	}
}

func (b *Bot) getUpdates() ([]Update, error) {
	params := url.Values{}
	params.Set("offset", fmt.Sprintf("%d", b.lastUpdateID+1))
	params.Set("timeout", "30")
	params.Set("allowed_updates", `["message"]`)

	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?%s", b.token, params.Encode())

	resp, err := http.Get(apiURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response GetUpdatesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}

	if !response.OK {
		return nil, fmt.Errorf("telegram API returned not OK")
	}

	return response.Result, nil
}

func (b *Bot) handleUpdate(update Update) {
	if update.Message == nil {
		return
	}

	msg := update.Message

	// Only respond to admin (check both user ID and chat ID for security)
	if msg.From == nil || msg.From.ID != b.adminID {
		// Silently ignore messages from non-admins
		return
	}

	// Also verify the chat is a private chat with admin (not a group)
	if msg.Chat.ID != b.adminID {
		return
	}

	// Handle commands
	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/stats" || text == "/start":
		b.sendStats(msg.Chat.ID)
	case text == "/help":
		b.sendHelp(msg.Chat.ID)
	}
}

func (b *Bot) sendStats(chatID int64) {
	var sb strings.Builder

	sb.WriteString("📊 *Coreproxy status*\n\n")

	if b.status != nil && b.status.Connected() {
		sb.WriteString(fmt.Sprintf("🟢 Core connected (version %s)\n\n", b.status.PeerVersion()))
	} else {
		sb.WriteString("🔴 Core disconnected\n\n")
	}

	if b.store != nil {
		total, failed, err := b.store.OperationStats()
		if err != nil {
			b.sendMessage(chatID, fmt.Sprintf("❌ Failed to read stats: %v", err))
			return
		}
		sb.WriteString(fmt.Sprintf("🔁 *Relayed operations:* %d (%d failed)\n\n", total, failed))

		recent, err := b.store.RecentOperations(10)
		if err != nil {
			log.Printf("Error getting recent operations: %v", err)
		}
		sb.WriteString("📈 *Last 10 operations:*\n")
		if len(recent) == 0 {
			sb.WriteString("_No operations recorded_\n")
		} else {
			for i, op := range recent {
				sb.WriteString(fmt.Sprintf("%d. %s — %s\n", i+1, op.OpType, formatOutcome(op.ErrorKind, op.DurationMs)))
			}
		}
	}

	b.sendMessage(chatID, sb.String())
}

func (b *Bot) sendHelp(chatID int64) {
	help := `🤖 *Bot commands:*

/stats — Show proxy status and relayed operation stats
/help — Show this help

The bot answers the configured admin only.`

	b.sendMessage(chatID, help)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.token)

	params := url.Values{}
	params.Set("chat_id", fmt.Sprintf("%d", chatID))
	params.Set("text", text)
	params.Set("parse_mode", "Markdown")

	resp, err := http.PostForm(apiURL, params)
	if err != nil {
		log.Printf("Error sending message: %v", err)
		return
	}
	defer resp.Body.Close()
}

// formatOutcome renders one audit entry for display
func formatOutcome(errKind string, durationMs int64) string {
	if errKind == "" {
		return fmt.Sprintf("ok in %d ms", durationMs)
	}
	return fmt.Sprintf("failed (%s) after %d ms", errKind, durationMs)
}
