package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/allanwsilva/bisq/pkg/config"
	"github.com/allanwsilva/bisq/pkg/metrics"
	"github.com/allanwsilva/bisq/pkg/node"
	"github.com/allanwsilva/bisq/pkg/p2p"
	"github.com/allanwsilva/bisq/pkg/store"
	"github.com/allanwsilva/bisq/pkg/types"
	"github.com/allanwsilva/bisq/pkg/wallet"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bisqd",
	Short: "Peer to peer bitcoin exchange node",
	Long: `bisqd runs a node of a decentralized bitcoin exchange network.

Makers publish offers to buy or sell bitcoin against fiat or altcoins and
takers take them. Both peers lock a security deposit on chain while the
counter currency is paid outside of it.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bisqd.yaml)")
	flags.String("data-dir", defaults.DataDir, "directory for the database and the node identity")
	flags.String("log-level", defaults.LogLevel, "log level (debug, info, warn, error)")

	startFlags := startCmd.Flags()
	startFlags.StringSlice("listen", defaults.ListenAddrs, "addresses to listen on")
	startFlags.StringSlice("bootstrap", nil, "bootstrap peers to connect to")
	startFlags.String("metrics-addr", "", "serve prometheus metrics on this address, eg. :9100")
	startFlags.Bool("dev", false, "run against a simulated chain and wallet")
	startFlags.Duration("dev-block-interval", defaults.DevBlockInterval, "block interval of the simulated chain")
	startFlags.Int("min-confirmations", defaults.MinConfirmations, "deposit confirmations before payment may start")
	startFlags.StringSlice("altcoins", defaults.SupportedAltcoins, "altcoins offers may be published for")

	// Flag names match the config keys
	cobra.CheckErr(viper.BindPFlags(flags))
	cobra.CheckErr(viper.BindPFlags(startFlags))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigName(".bisqd")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setupLogger initializes the logger with the specified log level
func setupLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build()
}

func parseMultiaddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %s: %w", addr, err)
		}
		maddrs = append(maddrs, maddr)
	}
	return maddrs, nil
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the exchange node",
	Long:  `Start the node, join the P2P network and serve offers and trades until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		logger, err := setupLogger(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		return run(ctx, cfg, logger)
	},
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if !cfg.Dev {
		return errors.New("no on-chain wallet backend is available yet, run with --dev")
	}
	types.SetSupportedAltcoins(cfg.SupportedAltcoins)

	listen, err := parseMultiaddrs(cfg.ListenAddrs)
	if err != nil {
		return err
	}
	bootstrap, err := parseMultiaddrs(cfg.BootstrapPeers)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return err
	}
	p2pNode, err := p2p.NewNode(ctx, listen, identity, logger.Named("p2p"))
	if err != nil {
		return err
	}
	if err := p2pNode.Start(bootstrap); err != nil {
		return fmt.Errorf("failed to start P2P node: %w", err)
	}
	defer p2pNode.Stop() //nolint:errcheck

	db, err := store.OpenBadger(cfg.DBDir(), logger.Named("store"))
	if err != nil {
		return err
	}
	defer db.Close()

	chain := wallet.NewChain()
	go chain.AutoMine(ctx, cfg.DevBlockInterval)

	reg := prometheus.NewRegistry()
	m := metrics.PrometheusMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer srv.Close()
	}

	n, err := node.New(ctx, cfg, node.Dependencies{
		Transport: p2pNode,
		Wallet:    wallet.NewSimulated(chain),
		Trades:    db,
		Offers:    db,
		Metrics:   m,
	}, logger)
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.Start(ctx); err != nil {
		return err
	}

	logger.Info("Exchange node started",
		zap.String("nodeID", n.ID()),
		zap.Strings("listenAddrs", cfg.ListenAddrs),
		zap.Int("bootstrapPeers", len(bootstrap)),
		zap.Stringer("minSecurityDeposit", btcutil.Amount(cfg.MinSecurityDeposit)),
		zap.Bool("dev", cfg.Dev))
	for _, addr := range p2pNode.Multiaddrs() {
		fmt.Printf("Listening on: %s/p2p/%s\n", addr, n.ID())
	}

	<-ctx.Done()
	logger.Info("Exchange node stopped")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bisqd", version)
	},
}
