package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmsync/config"
	"dmsync/logger"
	"dmsync/metrics"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagConfig      string
	flagEnvFile     string
	flagLogLevel    string
	flagMetricsAddr string
	flagUserID      int64
	flagToken       string
	flagTransport   string
)

// runtime state shared by subcommands, set up in PersistentPreRunE
var (
	cfg     *config.Config
	log     *zap.Logger
	syncMet *metrics.Sync
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dmchat",
	Short: "Direct-message chat client",
	Long: `dmchat keeps one direct-message conversation in sync with the chat
server, over WebSocket push or REST polling, and caches it locally.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "config file path (default $DMCHAT_CONFIG or ./dmchat.yaml)")
	pf.StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	pf.Int64Var(&flagUserID, "user-id", 0, "id of the signed-in user")
	pf.StringVar(&flagToken, "token", "", "bearer token of the signed-in user")
	pf.StringVar(&flagTransport, "transport", "", "message transport: pull or push")
}

func setup(cmd *cobra.Command, _ []string) error {
	// Load environment variables
	if err := godotenv.Load(flagEnvFile); err != nil && cmd.Flags().Changed("env-file") {
		return fmt.Errorf("load %s: %w", flagEnvFile, err)
	}

	path := flagConfig
	if path == "" {
		path = os.Getenv("DMCHAT_CONFIG")
	}
	if path == "" {
		path = "dmchat.yaml"
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		loaded.Log.Level = flagLogLevel
	}
	if flagMetricsAddr != "" {
		loaded.Metrics.Addr = flagMetricsAddr
	}
	if flagUserID != 0 {
		loaded.Auth.UserID = flagUserID
	}
	if flagToken != "" {
		loaded.Auth.Token = flagToken
	}
	if flagTransport != "" {
		loaded.Transport.Mode = flagTransport
	}
	cfg = loaded

	l, err := logger.Init(cfg.Log.Level)
	if err != nil {
		return err
	}
	log = l

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		syncMet = metrics.New(reg)
		serveMetrics(cfg.Metrics.Addr, reg)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
}

func parsePeer(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid peer id %q", arg)
	}
	return id, nil
}
