package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/freeze-detector/backend/internal/aggregator"
	"github.com/zhouzirui/freeze-detector/backend/internal/client"
	"github.com/zhouzirui/freeze-detector/backend/internal/config"
	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/internal/repository"
	sessionservice "github.com/zhouzirui/freeze-detector/backend/internal/service/session"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFlags struct {
	mode    string
	apiURL  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	var flags clientFlags

	root := &cobra.Command{
		Use:           "sessionsim",
		Short:         "Replay scripted conversations into the session store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.mode, "mode", "", "session client mode: local|remote (default SESSION_CLIENT_MODE)")
	root.PersistentFlags().StringVar(&flags.apiURL, "api", "", "session api base url for remote mode (default SESSION_API_URL)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "per-request timeout (default SESSION_API_TIMEOUT)")

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newShowCmd(&flags))
	return root
}

// openClient builds the session client; the returned func releases any
// local store it opened.
func openClient(ctx context.Context, flags *clientFlags) (client.Client, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logging.Init(cfg.Log.Level)

	clientCfg := client.Config{
		Mode:    cfg.Client.Mode,
		BaseURL: cfg.Client.BaseURL,
		Timeout: cfg.Client.Timeout,
	}
	if flags.mode != "" {
		clientCfg.Mode = flags.mode
	}
	if flags.apiURL != "" {
		clientCfg.BaseURL = flags.apiURL
	}
	if flags.timeout > 0 {
		clientCfg.Timeout = flags.timeout
	}

	if clientCfg.Mode != client.ModeLocal {
		c, err := client.New(clientCfg, nil)
		return c, cfg, func() {}, err
	}

	repo, err := repository.Open(ctx, repository.Options{
		Driver:         cfg.Store.Driver,
		SQLitePath:     cfg.Store.SQLitePath,
		PostgresDSN:    cfg.Store.PostgresDSN,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := client.New(clientCfg, sessionservice.NewService(repo))
	if err != nil {
		_ = repo.Close()
		return nil, nil, nil, err
	}
	return c, cfg, func() { _ = repo.Close() }, nil
}

func newRunCmd(flags *clientFlags) *cobra.Command {
	var (
		scriptPath     string
		speed          float64
		recordingsBase string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a YAML conversation script through the event aggregator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			script, err := loadScript(scriptPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, cfg, release, err := openClient(ctx, flags)
			if err != nil {
				return err
			}
			defer release()
			defer func() { _ = logging.Sync() }()

			clock := newScriptClock(time.Now())
			opts := []aggregator.Option{
				aggregator.WithClock(clock.Now),
				aggregator.WithQueueSize(cfg.Client.QueueSize),
				aggregator.WithForwardTimeout(cfg.Client.Timeout),
			}
			if script.SessionID != "" {
				id, _ := model.NormalizeID(script.SessionID)
				opts = append(opts, aggregator.WithSessionID(id))
			}
			agg := aggregator.New(ctx, c, opts...)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "session %s\n", agg.SessionID())
			replayErr := replay(ctx, script, agg, clock, speed, recordingsBase, out)

			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := agg.Close(closeCtx); err != nil {
				return fmt.Errorf("drain forwards: %w", err)
			}
			if replayErr != nil {
				return replayErr
			}

			stats := agg.Stats()
			_, _ = fmt.Fprintf(out, "forwarded=%d failed=%d dropped=%d average_latency=%.3f\n",
				stats.Sent, stats.Failed, stats.Dropped, agg.Metrics()[model.MetricAverageLatency])
			return nil
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "conversation script (YAML)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "playback speed; 1 is real time, 0 replays without pauses")
	cmd.Flags().StringVar(&recordingsBase, "recordings-base", "/recordings", "base path for audio steps without an explicit url")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func newShowCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, _, release, err := openClient(ctx, flags)
			if err != nil {
				return err
			}
			defer release()

			s, err := c.GetSession(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(s); err != nil {
				return err
			}
			if avg, ok := model.AverageLatency(s.Transcript); ok {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "assistant turns average latency: %.3fs\n", avg)
			}
			return nil
		},
	}
}
