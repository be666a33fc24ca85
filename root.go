package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"studybuddy/internal/config"
	"studybuddy/internal/log"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "studybuddy",
	Short: "StudyBuddy tutoring chat backend",
	Long:  `StudyBuddy answers study questions with retrieved notes and a hosted LLM, and keeps the chat history.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; real environment variables win
		_ = godotenv.Load()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.json (default $STUDYBUDDY_CONFIG or ./config.json)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

// setup loads configuration and installs the logger.
func setup(ctx context.Context) (context.Context, *config.Config, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		ctx, flush := log.NewContextWithLogger(ctx, debug)
		log.FromCtx(ctx).Error().Err(err).Msg("load config")
		return ctx, nil, flush, err
	}
	ctx, flush := log.NewContextWithLogger(ctx, debug || cfg.Env.Debug)
	return ctx, cfg, flush, nil
}
