package logger

import (
	"log"
	"time"
)

// Debug logs a debug message with consistent format
// Format: [DEBUG] timestamp=... actor=... action=... details=...
// actor is the username (or subsystem name) the event belongs to.
func Debug(actor, action, details string) {
	if actor == "" {
		actor = "-"
	}
	timestamp := time.Now().Format(time.RFC3339)
	log.Printf("[DEBUG] timestamp=%s actor=%s action=%s details=%s", timestamp, actor, action, details)
}
