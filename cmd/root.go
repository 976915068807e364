// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/defai-digital/mlx-serving/serve"
)

var (
	configPath  string
	environment string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "mlx-serving",
	Short: "On-host inference serving runtime speaking JSON-RPC over stdio",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving runtime on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
		// stdout carries the protocol; all logging goes to stderr.
		logrus.SetOutput(os.Stderr)

		cfg, err := serve.LoadConfig(configPath, environment)
		if err != nil {
			return err
		}
		logrus.Infof("Starting runtime (env=%s, max_buffer=%dB, batch_window=%.1fms, max_batch=%d)",
			environment, cfg.Bridge.MaxBufferSize, cfg.Batching.BatchWindowMs, cfg.Batching.MaxBatchSize)

		rt := serve.NewRuntimeServer(cfg, serve.NewLocalLoader(cfg), serve.SchedulerConfigFromEnv())
		server := serve.NewServer(rt, os.Stdin, os.Stdout)
		if err := server.Run(); err != nil {
			return err
		}
		logrus.Info("Runtime exited.")
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to runtime YAML configuration")
	serveCmd.Flags().StringVar(&environment, "env", os.Getenv("MLX_ENV"), "Configuration environment overlay (production, development, test)")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}
