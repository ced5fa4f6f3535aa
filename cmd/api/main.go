package main

import (
	"fmt"
	"os"

	"clm/api/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "clm-api",
	Short:         "Contract workspace API with anchored comments and tracked changes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML file applied on top of the environment (default $CLM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	highlightCmd.Flags().StringVar(&anchorsPath, "anchors", "", "JSON file with the comments to highlight")
	highlightCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the highlighted body here instead of stdout")
	highlightCmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-highlight whenever the body or anchors file changes")
	_ = highlightCmd.MarkFlagRequired("anchors")

	rootCmd.AddCommand(serveCmd, migrateCmd, highlightCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
