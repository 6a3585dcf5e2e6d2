package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"socp/pkg/config"
	"socp/pkg/crypto"
	"socp/pkg/node"
)

const version = "v0.1.0"

var (
	configFile string
	envFile    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "socp",
		Short: "Federated secure chat server",
		Long: `A SOCP server. Servers form a mesh over WebSocket links, gossip which
users live where, and forward end-to-end encrypted messages between them.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before SOCP_* variables are read")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serverCmd(),
		statusCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverFlags struct {
	serverID       string
	listen         string
	advertiseHost  string
	advertisePort  int
	admin          string
	keyFile        string
	bootstrapPeers []string
}

func serverCmd() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a SOCP server",
		Long:  `Start a server that accepts users and links with the configured bootstrap peers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(cmd, &flags)
			if err != nil {
				return err
			}

			logger := setupLogger(verbose, cfg.LogFile)
			defer logger.Sync()

			priv, created, err := crypto.LoadOrGenerate(cfg.KeyFile, cfg.KeyBits)
			if err != nil {
				return fmt.Errorf("failed to load server key: %w", err)
			}
			if created {
				logger.Info("Generated new server key", zap.String("path", cfg.KeyFile), zap.Int("bits", cfg.KeyBits))
			}

			n, err := node.New(cfg, priv, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting server",
				zap.String("server_id", n.ServerID()),
				zap.String("listen", cfg.ListenAddress),
				zap.Strings("bootstrap_peers", cfg.BootstrapPeers))
			return n.Run(ctx)
		},
	}

	flags.register(cmd)

	return cmd
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serverID, "id", "", "server id (random UUID when empty)")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "listen address")
	cmd.Flags().StringVar(&f.advertiseHost, "advertise-host", "", "host announced to peers")
	cmd.Flags().IntVar(&f.advertisePort, "advertise-port", 0, "port announced to peers")
	cmd.Flags().StringVar(&f.admin, "admin", "", "gRPC health service address")
	cmd.Flags().StringVar(&f.keyFile, "key-file", "", "PEM file holding the server's RSA key")
	cmd.Flags().StringSliceVarP(&f.bootstrapPeers, "bootstrap", "b", nil, "peer URLs to join (ws://host:port)")
}

// loadServerConfig layers defaults, the config file, the environment and
// then explicitly set flags.
func loadServerConfig(cmd *cobra.Command, flags *serverFlags) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	fs := cmd.Flags()
	if fs.Changed("id") {
		cfg.ServerID = flags.serverID
	}
	if fs.Changed("listen") {
		cfg.ListenAddress = flags.listen
	}
	if fs.Changed("advertise-host") {
		cfg.AdvertiseHost = flags.advertiseHost
	}
	if fs.Changed("advertise-port") {
		cfg.AdvertisePort = flags.advertisePort
	}
	if fs.Changed("admin") {
		cfg.AdminAddress = flags.admin
	}
	if fs.Changed("key-file") {
		cfg.KeyFile = flags.keyFile
	}
	if fs.Changed("bootstrap") {
		cfg.BootstrapPeers = flags.bootstrapPeers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func keygenCmd() *cobra.Command {
	var (
		out  string
		bits int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key pair",
		Long:  `Write a new RSA private key in PEM form and print its public key as used on the wire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			priv, pub, err := crypto.GenerateKeypair(bits)
			if err != nil {
				return err
			}
			if err := crypto.SavePrivateKey(out, priv); err != nil {
				return err
			}
			encoded, err := crypto.EncodePublicKey(pub)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Private key written to %s (keep secure!)\n", out)
			fmt.Fprintf(cmd.OutOrStdout(), "  Public key: %s\n", encoded)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", config.DefaultKeyFile, "private key output path")
	cmd.Flags().IntVar(&bits, "bits", crypto.MinKeyBits, "RSA modulus size")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "SOCP Server %s\n", version)
		},
	}
}

// setupLogger builds the production JSON logger. When logFile is set,
// entries are also written to a rotated file.
func setupLogger(verbose bool, logFile string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	if logFile == "" {
		return logger
	}

	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotated, cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}
