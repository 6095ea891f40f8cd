package bot

import (
	"strings"
	"testing"

	"walletsync/internal/events"
	"walletsync/internal/safestore"
	"walletsync/internal/storage"
	"walletsync/internal/wallet"
)

func setupTestBot(t *testing.T) (*Bot, *safestore.Store, *wallet.Ledger) {
	t.Helper()
	tab := events.NewHub().Open()
	t.Cleanup(tab.Close)

	store := safestore.New(tab.Backend(storage.NewMemory()), safestore.Options{})
	ledger := wallet.NewLedger(store, tab)
	return &Bot{ledger: ledger, adminID: 42}, store, ledger
}

func TestEscapeMarkdown(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "alice", expected: "alice"},
		{input: "bob_the_seller", expected: `bob\_the\_seller`},
		{input: "*bold*", expected: `\*bold\*`},
		{input: "[link]", expected: `\[link]`},
		{input: "a`b", expected: "a\\`b"},
		{input: "v1.2-beta!", expected: "v1.2-beta!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := escapeMarkdown(tt.input); got != tt.expected {
				t.Errorf("escapeMarkdown(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestBalanceText(t *testing.T) {
	b, _, ledger := setupTestBot(t)
	if err := ledger.SyncBalance("bob_s", wallet.Seller, 40); err != nil {
		t.Fatalf("SyncBalance failed: %v", err)
	}
	if err := ledger.SyncBalance("root", wallet.Admin, 12.5); err != nil {
		t.Fatalf("SyncBalance failed: %v", err)
	}

	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{name: "no args", args: nil, contains: []string{"Usage"}},
		{name: "bad role", args: []string{"owner", "bob"}, contains: []string{"Unknown role"}},
		{name: "missing username", args: []string{"seller"}, contains: []string{"Usage"}},
		{name: "seller", args: []string{"seller", "bob_s"}, contains: []string{"Seller Balance", `bob\_s`, "$40.00", "4000 cents"}},
		{name: "unknown user", args: []string{"buyer", "nobody"}, contains: []string{"$0.00"}},
		{name: "admin", args: []string{"admin"}, contains: []string{"Admin Balance", "$12.50"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := b.balanceText(tt.args)
			for _, part := range tt.contains {
				if !strings.Contains(text, part) {
					t.Errorf("Expected %q in %q", part, text)
				}
			}
		})
	}
}

func TestStorageAndRepairText(t *testing.T) {
	b, store, _ := setupTestBot(t)

	if text := b.storageText(); !strings.Contains(text, "All balances healthy") {
		t.Errorf("Expected healthy storage, got %q", text)
	}

	store.Set("wallet_buyers", map[string]any{"alice": map[string]any{"balance": 10}})
	text := b.storageText()
	if !strings.Contains(text, `wallet\_buyers.alice`) || !strings.Contains(text, "/repair") {
		t.Errorf("Expected corrupt entry report, got %q", text)
	}

	if text := b.repairText(); !strings.Contains(text, "Repaired") {
		t.Errorf("Expected repair confirmation, got %q", text)
	}
	if text := b.storageText(); !strings.Contains(text, "All balances healthy") {
		t.Errorf("Expected healthy storage after repair, got %q", text)
	}
}
