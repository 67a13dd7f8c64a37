package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/samoa/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "samoa",
	Short: "peer-to-peer eventually consistent key-value store",
	Long: `samoa stores blobs and counters in tables replicated over a ring of
partitions. Every server accepts every request and converges with its peers.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(func() {
		_ = godotenv.Load(".env")
	})
	rootCmd.AddCommand(newStartCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging configuration
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
