package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"walletsync/internal/api"
	"walletsync/internal/auth"
	"walletsync/internal/bot"
	"walletsync/internal/config"
	"walletsync/internal/events"
	"walletsync/internal/handlers"
	"walletsync/internal/readstate"
	"walletsync/internal/safestore"
	"walletsync/internal/service"
	"walletsync/internal/storage"
	"walletsync/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// Open the shared store
	log.Printf("Opening %s storage", cfg.StorageDriver)
	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer backend.Close()

	quota := cfg.StorageQuota
	if quota == 0 {
		quota = storage.DefaultQuota
	}
	limited, err := storage.WithQuota(backend, quota)
	if err != nil {
		log.Fatalf("Failed to apply storage quota: %v", err)
	}

	// Peers in other processes are seen through the change log; without one,
	// the process is its own only context
	var channel events.Channel
	var storeBackend storage.Backend = limited
	if feed, ok := backend.(storage.ChangeFeed); ok {
		f := events.NewFeed(feed, cfg.FeedInterval)
		if err := f.Start(); err != nil {
			log.Fatalf("Failed to follow storage changes: %v", err)
		}
		defer f.Stop()
		channel = f
	} else {
		tab := events.NewHub().Open()
		defer tab.Close()
		storeBackend = tab.Backend(limited)
		channel = tab
	}

	store := safestore.New(storeBackend, safestore.Options{Ceiling: quota * 9 / 10})
	ledger := wallet.NewLedger(store, channel)
	tracker := readstate.NewTracker(store, channel)
	stopWatch := tracker.Watch()
	defer stopWatch()

	bus := wallet.NewBus(channel, ledger)
	bus.Start()
	defer bus.Stop()

	poller := wallet.NewPoller(ledger, channel, cfg.PollInterval)
	poller.Start()
	defer poller.Stop()

	client := api.NewClient(api.Options{
		BaseURL:          cfg.APIBaseURL,
		FallbackProbeURL: cfg.FallbackProbeURL,
		Token:            cfg.APIToken,
	})

	monitor := service.NewStorageMonitor(store, ledger, cfg.MonitorInterval)
	monitor.SetAutoRepair(cfg.AutoRepair)

	handler := handlers.NewHandler(ledger, store, tracker, client)
	handler.SetBus(bus)
	handler.SetMonitor(monitor)

	// Telegram notifications are optional
	if cfg.TelegramBotToken != "" {
		notifier, err := service.NewNotificationService(cfg.TelegramBotToken, cfg.AdminTelegramID, cfg.ChannelID)
		if err != nil {
			log.Printf("Notifications disabled: %v", err)
		} else {
			handler.SetNotifier(notifier)
			monitor.SetNotificationService(notifier)
		}

		if cfg.AdminTelegramID != 0 {
			console, err := bot.New(cfg.TelegramBotToken, cfg.AdminTelegramID, cfg.WebAppURL, ledger)
			if err != nil {
				log.Printf("Operator bot disabled: %v", err)
			} else {
				go console.Start()
				defer console.Stop()
			}
		}
	}

	monitor.Start()
	defer monitor.Stop()

	router := handler.Router()
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: auth.Middleware(cfg.SessionSecret)(router),
	}

	log.Printf("Server starting on %s", srv.Addr)

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.DatabasePath, cfg.Origin)
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.OpenPostgres(ctx, cfg.DatabaseURL, cfg.Origin)
	case config.DriverBolt:
		return storage.OpenBolt(cfg.DatabasePath)
	}
	return storage.NewMemory(), nil
}
