package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meshchat/internal/config"
	"meshchat/internal/federation"
	"meshchat/internal/identity"
	"meshchat/internal/metrics"
	"meshchat/internal/pprofutil"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshchatd",
		Short: "Federated chat server node",
		Long: `meshchatd runs one node of a federated chat network. Servers peer
over mutually authenticated QUIC links, exchange signed events, and
converge on shared channel state without a central coordinator.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "meshchat.json", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		identityCmd(),
		rotateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ident, err := identity.Load(cfg.DataDir)
			if err != nil {
				return err
			}
			logger.Info("identity loaded",
				zap.String("endpoint_id", ident.ID.String()),
				zap.String("server_name", cfg.ServerName))

			mgr, err := federation.NewManager(ident, cfg, logger, metrics.New())
			if err != nil {
				return err
			}
			if err := pprofutil.StartFromEnv(logger); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mgr.Run(ctx)
		},
	}
}

func identityCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print (creating if needed) this node's endpoint identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := identity.Load(dataDir)
			if err != nil {
				return err
			}
			fmt.Println(ident.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "identity key directory")
	return cmd
}

// rotateCmd signs a rotation statement from the current key to a successor
// endpoint ID, for operators migrating a node to a new key.
func rotateCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "rotate-sign <new-endpoint-id>",
		Short: "Sign a key rotation statement for a successor identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := identity.Load(dataDir)
			if err != nil {
				return err
			}
			newID, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			issued := uint64(time.Now().Unix())
			sig, err := federation.SignRotation(ident, newID, issued)
			if err != nil {
				return err
			}
			fmt.Println("old_id:    " + ident.ID.String())
			fmt.Println("new_id:    " + newID.String())
			fmt.Println("issued_at: " + strconv.FormatUint(issued, 10))
			fmt.Println("sig:       " + hex.EncodeToString(sig))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "identity key directory")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("meshchatd v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := zc.Build()
	return logger
}
