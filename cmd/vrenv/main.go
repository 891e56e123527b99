package main

import (
	"fmt"
	"os"
	"time"

	"fyne.io/fyne/v2/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/logging"
)

// Version is set during build via -ldflags "-X main.version=X.Y.Z"
var version = "dev"

const AppID = "com.ytget.vrenv"

var (
	// Global flags
	verbose     bool
	dataDir     string
	catalogPath string

	logger   *zap.Logger
	settings *config.Settings
)

var rootCmd = &cobra.Command{
	Use:     "vrenv",
	Short:   "Resolve and fetch VR browser environments",
	Version: version,
	Long: `vrenv resolves VR environments to local asset directories.

Built-in environments resolve immediately. Downloadable environments are
fetched from their payload URL, unpacked below the data directory and
reported to the host once ready.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}

		settings = config.NewSettings(app.NewWithID(AppID).Preferences())
		if dataDir != "" {
			settings.SetDataDirectory(dataDir)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Directory for downloads and environments (saved in preferences)")
	rootCmd.PersistentFlags().StringVarP(&catalogPath, "catalog", "c", "", "Environment catalog YAML file")

	resolveCmd.Flags().DurationVar(&resolveWait, "wait", 10*time.Minute, "How long to wait for a download to finish")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	engineCmd.Flags().StringSliceVar(&alternateHosts, "alternate-host", nil, "Host pattern served by the alternate engine")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(engineCmd)
	rootCmd.AddCommand(downloadsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
