package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/dashboard"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/semaphore"
	discordadapter "github.com/zulandar/signalbox/internal/semaphore/discord"
	slackadapter "github.com/zulandar/signalbox/internal/semaphore/slack"
	"github.com/zulandar/signalbox/internal/store"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Signalbox daemon",
		Long:  "Connects to the configured chat platform, ingests agent lifecycle events, and keeps per-conversation status messages current.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	st, err := store.New(store.Opts{
		DB:             gormDB,
		EnabledDefault: cfg.Status.EnabledDefault,
		DisplayDefault: cfg.Status.DisplayMode,
		PinDefault:     cfg.Status.PinMode,
		ButtonsDefault: cfg.Status.Buttons,
	})
	if err != nil {
		return err
	}

	platform, err := createPlatform(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := platform.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Platform, err)
	}
	defer platform.Close()
	fmt.Fprintf(out, "Connected to %s as account %q\n", cfg.Platform, cfg.Account)

	rep, err := semaphore.NewReporter(semaphore.ReporterOpts{
		Account:      cfg.Account,
		Store:        st,
		Channel:      platform,
		BaseThrottle: time.Duration(cfg.Status.BaseThrottleMs) * time.Millisecond,
		TickInterval: time.Duration(cfg.Status.TickIntervalMs) * time.Millisecond,
		AutoHide:     time.Duration(cfg.Status.AutoHideSec) * time.Second,
		StaleAfter:   time.Duration(cfg.Status.StaleAfterMin) * time.Minute,
		DigestTarget: digestTarget(cfg),
		DailyCron:    digestCron(cfg.Digest.Daily),
		WeeklyCron:   digestCron(cfg.Digest.Weekly),
	})
	if err != nil {
		return err
	}
	defer rep.Close()

	inbound, err := platform.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Platform, err)
	}
	go func() {
		for ev := range inbound {
			rep.HandleMessage(ctx, ev)
		}
	}()

	go rep.RunDigests(ctx)

	if cfg.Dashboard.Enabled {
		go func() {
			if err := dashboard.Start(ctx, dashboard.StartOpts{
				Reporter: rep,
				Store:    st,
				Port:     cfg.Dashboard.Port,
				Out:      out,
			}); err != nil {
				log.Printf("sb: dashboard: %v", err)
			}
		}()
	}

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(out, "\nShutting down signalbox...")
		cancel()
	}()

	fmt.Fprintln(out, "Signalbox running. Press Ctrl+C to stop.")
	rep.Run(ctx)
	return nil
}

// createPlatform builds a chat platform adapter from the config.
func createPlatform(cfg *config.Config) (semaphore.ChatPlatform, error) {
	switch cfg.Platform {
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			Account:  cfg.Account,
			BotToken: cfg.Discord.BotToken,
		})
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			Account:  cfg.Account,
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
	default:
		return nil, fmt.Errorf("sb: unsupported platform %q", cfg.Platform)
	}
}

// digestTarget returns the conversation scheduled digests post to, or nil
// when no channel is configured.
func digestTarget(cfg *config.Config) *semaphore.Target {
	var chatID string
	switch cfg.Platform {
	case "discord":
		chatID = cfg.Discord.ChannelID
	case "slack":
		chatID = cfg.Slack.ChannelID
	}
	if chatID == "" {
		return nil
	}
	return &semaphore.Target{
		AccountID:      cfg.Account,
		ConversationID: cfg.Platform + ":" + chatID,
		ChatID:         chatID,
	}
}

func digestCron(entry config.DigestEntry) string {
	if !entry.Enabled {
		return ""
	}
	return entry.Cron
}
