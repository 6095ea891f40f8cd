package service

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"walletsync/internal/logger"
	"walletsync/internal/money"
	"walletsync/internal/safestore"

	"gopkg.in/telebot.v3"
)

// sender is the part of *telebot.Bot the service uses
type sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// NotificationService handles sending Telegram notifications
type NotificationService struct {
	bot       sender
	mu        sync.Mutex
	adminID   int64
	channelID string
}

// NewNotificationService creates a new notification service. Tip receipts
// go to channelID, storage warnings to adminID; either may be empty/zero.
func NewNotificationService(botToken string, adminID int64, channelID string) (*NotificationService, error) {
	if botToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}

	b, err := telebot.NewBot(telebot.Settings{
		Token: botToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &NotificationService{
		bot:       b,
		adminID:   adminID,
		channelID: channelID,
	}, nil
}

// formatBalance formats a dollar balance
func formatBalance(balance float64) string {
	return money.Format(balance)
}

// TipSent publishes a tip receipt to the wallet activity channel
func (s *NotificationService) TipSent(from, to string, amount, newBalance float64) {
	if s.channelID == "" {
		logger.Debug(from, "broadcast_skipped", "CHANNEL_ID not configured")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("💸 *Tip Sent*\n\n%s tipped %s %s\n\n💰 New Balance: %s",
		escapeMarkdown(truncateString(from, 32)),
		escapeMarkdown(truncateString(to, 32)),
		escapeMarkdown(formatBalance(amount)),
		escapeMarkdown(formatBalance(newBalance)))

	_, err := s.bot.Send(s.getChannelRecipient(), message, &telebot.SendOptions{
		ParseMode: telebot.ModeMarkdown,
	})
	if err != nil {
		logger.Debug(from, "broadcast_error", fmt.Sprintf("channel=%s error=%v", s.channelID, err))
		log.Printf("Failed to publish tip receipt to channel %s: %v", s.channelID, err)
	} else {
		logger.Debug(from, "tip_receipt_sent", fmt.Sprintf("recipient=%s amount=%.2f", to, amount))
	}
}

// StorageWarning alerts the admin that the wallet store is close to its
// quota or that a write failed even after eviction
func (s *NotificationService) StorageWarning(usage safestore.Usage, failedKey string) {
	if s.adminID == 0 {
		log.Printf("Admin ID not set, skipping storage warning (%.0f%% used)", usage.Ratio*100)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	message := fmt.Sprintf("⚠️ Storage Nearly Full\n\nUsage: %.1f%% (%d of %d bytes)",
		usage.Ratio*100, usage.Bytes, usage.Ceiling)
	if failedKey != "" {
		message += fmt.Sprintf("\nWrite failed for key: %s", truncateString(failedKey, 64))
	}

	_, err := s.bot.Send(&telebot.User{ID: s.adminID}, message)
	if err != nil {
		logger.Debug("storage", "notification_error", fmt.Sprintf("failed to send storage warning: %v", err))
		log.Printf("Failed to send storage warning to admin %d: %v", s.adminID, err)
	} else {
		logger.Debug("storage", "storage_warning_sent", fmt.Sprintf("ratio=%.3f key=%s", usage.Ratio, failedKey))
	}
}

// truncateString truncates a string to maxLen and adds ellipsis if needed
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.TrimSpace(s[:maxLen-3]) + "..."
}

// getChannelRecipient returns the appropriate recipient for the configured channel
func (s *NotificationService) getChannelRecipient() telebot.Recipient {
	if strings.HasPrefix(s.channelID, "@") {
		return &telebot.Chat{Username: s.channelID}
	}
	return &telebot.Chat{ID: parseChannelID(s.channelID)}
}

// parseChannelID parses a channel ID string (supports numeric IDs)
func parseChannelID(channelID string) int64 {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// markdownEscaper covers the characters legacy Telegram Markdown lets a
// backslash escape
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// escapeMarkdown escapes special characters for Telegram Markdown mode
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
