package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duecal/internal/config"
	"duecal/internal/ics"
	appLog "duecal/internal/log"
	"duecal/internal/metrics"
	"duecal/internal/notify"
	"duecal/internal/service"
	"duecal/internal/store"
	"duecal/internal/web"
)

const version = "0.3.0"

var (
	configFlag string
	listenFlag string
	tzFlag     string
	debugFlag  bool
	rootCmd    = &cobra.Command{
		Use:           "duecal",
		Short:         "Assignment due dates and reminders from calendar feeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debugFlag {
				appLog.SetLevel(appLog.LevelDebug)
			}
		},
	}
)

func main() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the refresh scheduler, reminders and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFlag, listenFlag)
		},
	}
	serveCmd.Flags().StringVarP(&configFlag, "config", "c", "/etc/duecal/config.yaml", "Path to config file")
	serveCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)

	parseCmd := &cobra.Command{
		Use:   "parse FILE|-",
		Short: "Parse a feed and print the records as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := resolveTimezone(tzFlag)
			if err != nil {
				return err
			}
			return runParse(args[0], loc, os.Stdout)
		},
	}
	parseCmd.Flags().StringVar(&tzFlag, "tz", "Local", "IANA timezone for floating times")
	rootCmd.AddCommand(parseCmd)

	remindCmd := &cobra.Command{
		Use:   "remind FILE|-",
		Short: "Print the reminder plan for a feed with empty state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := resolveTimezone(tzFlag)
			if err != nil {
				return err
			}
			nowRaw, _ := cmd.Flags().GetString("now")
			now := time.Now()
			if nowRaw != "" {
				now, err = time.Parse(time.RFC3339, nowRaw)
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
			}
			hours, _ := cmd.Flags().GetIntSlice("intervals")
			return runRemind(args[0], loc, now, hours, os.Stdout)
		},
	}
	remindCmd.Flags().StringVar(&tzFlag, "tz", "Local", "IANA timezone for floating times")
	remindCmd.Flags().String("now", "", "Evaluation time (RFC3339, default current time)")
	remindCmd.Flags().IntSlice("intervals", nil, "Lead times in hours (default 24,16,4,1)")
	rootCmd.AddCommand(remindCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "duecal", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath, listen string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return err
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	// CLI --listen overrides config file listen if provided.
	if listen != "" {
		conf.Listen = listen
	}

	appLog.Setup(os.Stderr, conf.Log.Pretty, appLog.ParseLevel(conf.Log.Level))
	if debugFlag {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("duecal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"reminder_tick", conf.ReminderCron,
		"feed_count", len(conf.Feeds),
		"reminders_enabled", conf.Reminders.Enabled,
		"state_path", conf.StatePath,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(conf.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	notifier, stopNotifiers, err := buildNotifier(conf)
	if err != nil {
		return err
	}
	defer stopNotifiers()

	svc, err := service.New(ctx, service.Options{
		Config:   conf,
		Store:    st,
		Notifier: notifier,
		Metrics:  m,
		Fetcher:  ics.NewFetcher(conf.CacheDir, conf.FetchTimeout()),
	})
	if err != nil {
		return err
	}
	if tg, ok := findTelegram(notifier); ok {
		tg.SetActions(svc)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	err = web.Serve(ctx, conf, svc)
	appLog.Info("duecal exiting")
	return err
}

// buildNotifier returns the log notifier plus every chat channel whose
// destination and token are both set, each wrapped in a retry.
func buildNotifier(conf *config.Config) (notify.Notifier, func(), error) {
	chans := notify.Multi{notify.Log{}}
	var stops []func()

	if conf.Notify.TelegramChatID != 0 && conf.Secrets.TelegramToken != "" {
		tg, err := notify.NewTelegram(conf.Secrets.TelegramToken, conf.Notify.TelegramChatID, conf.SnoozeDuration())
		if err != nil {
			return nil, nil, err
		}
		if err := tg.Start(); err != nil {
			return nil, nil, err
		}
		stops = append(stops, tg.Stop)
		chans = append(chans, notify.NewRetry(tg))
		appLog.Info("telegram delivery enabled", "chat_id", conf.Notify.TelegramChatID)
	}

	if conf.Notify.DiscordChannelID != "" && conf.Secrets.DiscordToken != "" {
		dg, err := notify.NewDiscord(conf.Secrets.DiscordToken, conf.Notify.DiscordChannelID)
		if err != nil {
			return nil, nil, err
		}
		if err := dg.Start(); err != nil {
			return nil, nil, fmt.Errorf("error opening Discord connection: %w", err)
		}
		stops = append(stops, func() {
			if err := dg.Stop(); err != nil {
				appLog.Error("discord close failed", err)
			}
		})
		chans = append(chans, notify.NewRetry(dg))
		appLog.Info("discord delivery enabled", "channel_id", conf.Notify.DiscordChannelID)
	}

	return chans, func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

func findTelegram(n notify.Notifier) (*notify.Telegram, bool) {
	multi, ok := n.(notify.Multi)
	if !ok {
		return nil, false
	}
	for _, c := range multi {
		if r, ok := c.(*notify.Retry); ok {
			if tg, ok := r.Next.(*notify.Telegram); ok {
				return tg, true
			}
		}
	}
	return nil, false
}

func resolveTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("--tz: %w", err)
	}
	return loc, nil
}
