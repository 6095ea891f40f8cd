// Package bot is the operator's Telegram console for the wallet store.
package bot

import (
	"fmt"
	"log"
	"strings"

	"gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"

	"walletsync/internal/logger"
	"walletsync/internal/money"
	"walletsync/internal/wallet"
)

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// escapeMarkdown escapes special characters for Telegram Markdown mode
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// Bot answers operator commands about cached balances and storage health
type Bot struct {
	tb        *telebot.Bot
	ledger    *wallet.Ledger
	adminID   int64
	webAppURL string
}

// New creates the bot. Repair commands are only accepted from adminID.
func New(token string, adminID int64, webAppURL string, ledger *wallet.Ledger) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}

	tb, err := telebot.NewBot(telebot.Settings{
		Token: token,
		Poller: &telebot.LongPoller{
			Timeout: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{tb: tb, ledger: ledger, adminID: adminID, webAppURL: webAppURL}
	b.register()
	return b, nil
}

func (b *Bot) register() {
	markdown := &telebot.SendOptions{ParseMode: telebot.ModeMarkdown}

	b.tb.Handle("/start", func(c telebot.Context) error {
		logger.Debug(c.Sender().Username, "command_start", "")
		if b.webAppURL == "" {
			return c.Send(helpText, markdown)
		}
		btn := telebot.InlineButton{
			Text:   "💰 Open Wallet",
			WebApp: &telebot.WebApp{URL: b.webAppURL},
		}
		return c.Send("Welcome! Open the wallet to send tips:", &telebot.ReplyMarkup{
			InlineKeyboard: [][]telebot.InlineButton{{btn}},
		})
	})

	b.tb.Handle("/help", func(c telebot.Context) error {
		logger.Debug(c.Sender().Username, "command_help", "")
		return c.Send(helpText, markdown)
	})

	admin := b.tb.Group()
	admin.Use(middleware.Whitelist(b.adminID))

	admin.Handle("/balance", func(c telebot.Context) error {
		logger.Debug(c.Sender().Username, "command_balance", "args="+strings.Join(c.Args(), " "))
		return c.Send(b.balanceText(c.Args()), markdown)
	})

	admin.Handle("/storage", func(c telebot.Context) error {
		logger.Debug(c.Sender().Username, "command_storage", "")
		return c.Send(b.storageText(), markdown)
	})

	admin.Handle("/repair", func(c telebot.Context) error {
		logger.Debug(c.Sender().Username, "command_repair", "")
		return c.Send(b.repairText(), markdown)
	})
}

// Start polls for updates until Stop is called
func (b *Bot) Start() {
	log.Println("Bot started. Use /help to list commands.")
	b.tb.Start()
}

// Stop stops polling
func (b *Bot) Stop() {
	b.tb.Stop()
}

const helpText = "📚 *Available Commands*\n\n" +
	"/start - Open the wallet web app\n" +
	"/balance <role> <username> - Show a cached balance\n" +
	"/storage - Show storage usage and balance health\n" +
	"/repair - Rewrite corrupt or divergent balances\n" +
	"/help - Show this help message"

func (b *Bot) balanceText(args []string) string {
	if len(args) < 1 {
		return "❌ *Usage:* /balance <buyer|seller|admin> <username>"
	}
	role, err := wallet.ParseRole(args[0])
	if err != nil {
		return "❌ *Unknown role*\n\nUse buyer, seller or admin."
	}
	if role == wallet.Admin {
		return fmt.Sprintf("💰 *Admin Balance*\n\n%s", escapeMarkdown(money.Format(b.ledger.Admin())))
	}
	if len(args) < 2 {
		return "❌ *Usage:* /balance <buyer|seller|admin> <username>"
	}

	username := args[1]
	text := fmt.Sprintf("💰 *%s Balance*\n\n%s: %s",
		strings.ToUpper(string(role[:1]))+string(role[1:]),
		escapeMarkdown(username),
		escapeMarkdown(money.Format(b.ledger.Balance(username, role))))
	if cents, ok := b.ledger.Individual(username, role); ok {
		text += fmt.Sprintf("\nMirror: %d cents", cents)
	}
	return text
}

func (b *Bot) storageText() string {
	h := b.ledger.Health()
	text := fmt.Sprintf("🗄 *Storage*\n\nUsage: %d / %d bytes (%.1f%%)",
		h.Usage.Bytes, h.Usage.Ceiling, h.Usage.Ratio*100)
	if h.NearCapacity {
		text += "\n⚠️ Near capacity"
	}
	if h.Healthy() {
		return text + "\n\n✅ All balances healthy"
	}
	if len(h.Corrupt) > 0 {
		text += "\n\nCorrupt: " + escapeMarkdown(strings.Join(h.Corrupt, ", "))
	}
	if len(h.Divergent) > 0 {
		text += "\n\nDivergent: " + escapeMarkdown(strings.Join(h.Divergent, ", "))
	}
	return text + "\n\nUse /repair to fix."
}

func (b *Bot) repairText() string {
	report, err := b.ledger.Repair()
	if err != nil {
		return fmt.Sprintf("❌ *Repair Failed*\n\n%s", escapeMarkdown(err.Error()))
	}
	return fmt.Sprintf("✅ *Repaired*\n\nMirrors rebuilt: %d\nEntries normalised: %d", report.Mirrors, report.Entries)
}
