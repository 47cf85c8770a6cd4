// Package cmd implements the nodelink command line client.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nodelink/internal/config"
	"github.com/nextlevelbuilder/nodelink/internal/crypto"
	"github.com/nextlevelbuilder/nodelink/internal/node"
	"github.com/nextlevelbuilder/nodelink/internal/pairing"
	"github.com/nextlevelbuilder/nodelink/internal/settings"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	cfgFile   string
	verbose   bool
	ephemeral bool

	// appCfg is loaded once per invocation by the root command.
	appCfg   *config.Config
	logLevel = new(slog.LevelVar)
	// otelShutdown flushes trace export; nil unless built with -tags otel.
	otelShutdown func(context.Context) error
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodelink",
		Short:         "Pair with a node and talk to it over an authenticated websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appCfg = cfg
			setupLogging(cfg)
			otelShutdown = initOTelExporter(cmd.Context(), cfg)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if otelShutdown != nil {
				otelShutdown(context.Background())
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $NODELINK_CONFIG or ~/.nodelink/config.json5)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep settings in memory only (nothing is persisted)")

	root.AddCommand(pairCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(callCmd())
	root.AddCommand(subscribeCmd())
	root.AddCommand(qrCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", formatNodeError(err))
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nodelink %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	applyLogLevel(cfg)
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// applyLogLevel is also called by the config watcher.
func applyLogLevel(cfg *config.Config) {
	if verbose {
		logLevel.Set(slog.LevelDebug)
		return
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(cfg.Log.Level))); err != nil {
		lvl = slog.LevelInfo
	}
	logLevel.Set(lvl)
}

// openStore returns the settings store and a cleanup func.
func openStore(cfg *config.Config) (settings.Store, func(), error) {
	if ephemeral {
		return settings.NewMemoryStore(settings.SensitiveSettings{}), func() {}, nil
	}
	key, err := crypto.NewKeyringStore(cfg.Settings.Profile).LoadOrCreate()
	if err != nil {
		return nil, nil, err
	}
	aead, err := crypto.NewAESGCM(key)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.SettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create settings dir: %w", err)
	}
	store, err := settings.OpenSQLite(path, aead)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// newNodeClient opens the store and builds a node client from cfg.
func newNodeClient(cfg *config.Config, firstUse pairing.FirstUseFunc) (*node.Client, settings.Store, func(), error) {
	store, cleanup, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	c := node.New(store, node.Options{
		RequestTimeout: cfg.RequestTimeout(),
		HTTPTimeout:    cfg.HTTPTimeout(),
		RateLimit:      rate.Limit(cfg.Client.RateLimit),
		RateBurst:      cfg.Client.RateBurst,
		LoopbackAlias:  cfg.Client.LoopbackAlias,
		LoopbackHost:   cfg.Client.LoopbackHost,
		FirstUse:       firstUse,
	})
	return c, store, func() {
		c.Close()
		cleanup()
	}, nil
}
