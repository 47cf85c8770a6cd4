package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodelink/internal/config"
	"github.com/nextlevelbuilder/nodelink/internal/node"
	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/transport"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

func subscribeCmd() *cobra.Command {
	var param string
	cmd := &cobra.Command{
		Use:   "subscribe TOPIC",
		Short: "Stream events for a topic as JSON lines until interrupted",
		Long: "Subscribe to a topic and print every event as one JSON line on stdout.\n" +
			"Lost connections are re-established with exponential backoff; log level\n" +
			"changes in the config file apply without a restart.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stopWatch := watchConfig()
			defer stopWatch()

			c, _, cleanup, err := newNodeClient(appCfg, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			lost := make(chan struct{}, 1)
			unregister, err := c.OnStateChange(ctx, func(from, to transport.State) {
				if from == transport.Connected && to == transport.Disconnected {
					select {
					case lost <- struct{}{}:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer unregister()

			retry := node.RetryConfig{
				MaxRetries: appCfg.Reconnect.MaxRetries,
				BaseDelay:  time.Duration(appCfg.Reconnect.BaseDelayMs) * time.Millisecond,
				MaxDelay:   time.Duration(appCfg.Reconnect.MaxDelayMs) * time.Millisecond,
			}
			// A connection that came up without every subscription is dropped
			// so the next attempt re-sends them.
			connect := func(ctx context.Context) error {
				err := c.Connect(ctx)
				if nodeerr.ReasonOf(err) == transport.ReasonResubscribeFailed {
					c.Disconnect()
				}
				return err
			}
			if _, err := node.RetryWithBackoff(ctx, retry, connect); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			sub, err := c.Subscribe(ctx, args[0], param, func(ev protocol.Event) {
				if err := enc.Encode(ev); err != nil {
					slog.Warn("subscribe: write event", "error", err)
				}
			})
			if err != nil {
				return err
			}
			if initial := sub.Initial(); initial != nil {
				enc.Encode(map[string]string{"topic": sub.Topic, "initial": *initial})
			}
			slog.Info("subscribed", "topic", sub.Topic)

			for {
				select {
				case <-ctx.Done():
					uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					c.Unsubscribe(uctx, sub)
					cancel()
					return nil
				case <-lost:
					slog.Warn("subscribe: connection lost, reconnecting")
					attempts, err := node.RetryWithBackoff(ctx, retry, connect)
					if err != nil {
						return err
					}
					slog.Info("subscribe: reconnected", "attempts", attempts)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&param, "param", "p", "", "topic parameter")
	return cmd
}

// watchConfig applies log level changes while a long-running command runs.
func watchConfig() (stop func()) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		return func() {}
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Debug("config watcher unavailable", "error", err)
		return func() {}
	}
	w.OnChange(applyLogLevel)
	if err := w.Start(); err != nil {
		w.Stop()
		slog.Debug("config watcher unavailable", "error", err)
		return func() {}
	}
	return w.Stop
}
