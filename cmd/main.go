package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"s3tosftp/internal/app"
	"s3tosftp/internal/config"
	"s3tosftp/internal/logger"
	"s3tosftp/internal/worker"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "s3tosftp",
	Short: "Move large S3 objects to an SFTP server",
	Long: `A resumable, chunked S3 to SFTP transfer tool. Each run moves as much of the
object as its time budget allows into a ".part" file, then either publishes it
atomically or queues a continuation.`,
	RunE:         runTransfer,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Process queued continuations until interrupted",
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")

	// Source flags
	flags.String("source-provider", "aws", "Source client (aws/minio)")
	flags.String("source-endpoint", "", "Source endpoint, empty for AWS")
	flags.String("source-region", "", "Source region")
	flags.String("source-access-key", "", "Source access key, empty for the default chain")
	flags.String("source-secret-key", "", "Source secret key")
	flags.Bool("source-secure", true, "Use HTTPS for the source")

	// SFTP flags
	flags.String("sftp-host", "", "SFTP host")
	flags.Int("sftp-port", 22, "SFTP port")
	flags.String("sftp-username", "", "SFTP username")
	flags.String("target-dir", "/incoming", "Remote directory")
	flags.String("host-fingerprint", "", "Expected host key fingerprint (SHA256:...)")

	// Secret flags
	flags.String("secrets-provider", "secretsmanager", "Credential source (secretsmanager/file)")
	flags.String("secret-id", "", "Secret holding the SFTP credential")
	flags.String("secrets-dir", "", "Directory of secret files for the file provider")

	// Transfer flags
	flags.Int("chunk-size-mb", 8, "Chunk size in MiB")
	flags.Int("time-budget-sec", 900, "Time budget of one run in seconds")
	flags.Int("safety-time-ms", 30000, "Stop when less than this much budget remains")
	flags.Int("retries", 3, "Maximum attempts per run")
	flags.Int("retry-base-delay-ms", 2000, "Initial retry backoff in milliseconds")
	flags.String("checkpoint", "./checkpoint.db", "Checkpoint database file")
	flags.Int("concurrency", 1, "Number of concurrent workers for serve")
	flags.Bool("show-progress", false, "Show progress display")

	// Observability flags
	flags.Bool("emf", true, "Write embedded metric format records to stdout")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (serve only)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")

	rootCmd.Flags().String("bucket", "", "Source bucket")
	rootCmd.Flags().String("key", "", "Source object key")
	rootCmd.Flags().String("event", "", "Trigger payload file, - for stdin")
	rootCmd.Flags().Bool("follow", false, "Keep running slices until the transfer completes")

	rootCmd.AddCommand(serveCmd)
}

func setup(cmd *cobra.Command) (*app.Service, *zap.Logger, context.Context, context.CancelFunc, error) {
	// Load configuration
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, stopping at the next chunk boundary...")
			cancel()
		case <-ctx.Done():
		}
	}()

	service, err := app.New(ctx, cfg, log)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return service, log, ctx, cancel, nil
}

func runTransfer(cmd *cobra.Command, args []string) error {
	tasks, err := readTasks(cmd)
	if err != nil {
		return err
	}

	service, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			log.Error("Error closing service", zap.Error(closeErr))
		}
	}()

	follow, _ := cmd.Flags().GetBool("follow")
	if follow {
		var results []worker.Result
		var runErr error
		for _, task := range tasks {
			result, err := service.Follow(ctx, task)
			results = append(results, result)
			if err != nil {
				runErr = err
				break
			}
		}
		printResults(results)
		return runErr
	}

	results, err := service.RunOnce(ctx, tasks)
	printResults(results)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	service, log, ctx, cancel, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer log.Sync()
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			log.Error("Error closing service", zap.Error(closeErr))
		}
	}()

	return service.Serve(ctx)
}

func readTasks(cmd *cobra.Command) ([]worker.Task, error) {
	eventFile, _ := cmd.Flags().GetString("event")
	if eventFile != "" {
		var data []byte
		var err error
		if eventFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(eventFile)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		// remote dir is filled in from the configuration once it is loaded
		return app.ParseTrigger(data, "")
	}

	bucket, _ := cmd.Flags().GetString("bucket")
	key, _ := cmd.Flags().GetString("key")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("either --event or both --bucket and --key are required")
	}
	return []worker.Task{{Bucket: bucket, Key: key}}, nil
}

func printResults(results []worker.Result) {
	enc := json.NewEncoder(os.Stdout)
	for _, result := range results {
		if result.Status == "" {
			continue
		}
		enc.Encode(result)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
