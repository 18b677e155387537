// ============================================================================
// Jobstream CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the server and submitting jobs
//
// Command Structure:
//   jobstream                      # Root command
//   ├── serve                      # Start the server
//   ├── submit                     # Submit a job file and stream its results
//   │   ├── --file, -f            # Job YAML file
//   │   └── --addr                # Server address
//   ├── config                     # Print the effective configuration
//   └── --config, -c              # Server config file (all commands)
//
// serve:
//   1. Load config (defaults, file, JOBSTREAM_* env)
//   2. Set up logging and metrics
//   3. Start the runtime pool, then run the server lifecycle
//   4. On SIGINT/SIGTERM stop gracefully
//
// submit:
//   Prints every result and the terminal status. Exits non-zero when the
//   job is rejected or fails.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/client"
	"github.com/ChuLiYu/jobstream/internal/cluster"
	"github.com/ChuLiYu/jobstream/internal/config"
	"github.com/ChuLiYu/jobstream/internal/dataflow"
	"github.com/ChuLiYu/jobstream/internal/metrics"
	"github.com/ChuLiYu/jobstream/internal/observability"
	"github.com/ChuLiYu/jobstream/internal/plans"
	"github.com/ChuLiYu/jobstream/internal/server"
	"github.com/ChuLiYu/jobstream/internal/sink"
)

// Version is overridden at build time.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jobstream",
		Short: "Jobstream: submit dataflow jobs and stream their results",
		Long: `Jobstream accepts jobs over gRPC, runs them on a pool of producers
and streams every result back, ending each stream with exactly one
terminal status.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the jobstream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	node, err := newNode(cfg, logger, collector, announcer{out: out})
	if err != nil {
		return err
	}
	defer node.pool.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("metrics endpoint", zap.String("addr", addr))
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := node.server.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// node is a fully wired server ready to Run.
type node struct {
	server *server.Server
	pool   *dataflow.Pool
}

func newNode(cfg *config.Config, logger *zap.Logger, collector *metrics.Collector, listener server.StartListener) (*node, error) {
	detector, err := cluster.NewStaticDetector(cfg.Cluster.Peers)
	if err != nil {
		return nil, err
	}
	membership := cluster.New(cluster.Config{
		ServerID:       cfg.ServerID,
		ListenAddr:     cfg.Cluster.Listen,
		Detector:       detector,
		ProbeInterval:  cfg.Cluster.ProbeInterval,
		ProbeTimeout:   cfg.Cluster.ProbeTimeout,
		BackoffInitial: cfg.Cluster.BackoffInitial,
		BackoffMax:     cfg.Cluster.BackoffMax,
	}, logger)

	enc, err := sink.NewEncoder(cfg.Runtime.Encoding)
	if err != nil {
		return nil, err
	}

	pool := dataflow.NewPool(cfg.Runtime.QueueCapacity, logger)
	if collector != nil {
		membership.SetObserver(collector)
		pool.SetObserver(collector)
	}
	if err := pool.Start(cfg.Runtime.Executors); err != nil {
		return nil, fmt.Errorf("failed to start runtime pool: %w", err)
	}

	svcOpts := server.ServiceOptions{
		ServerID:  cfg.ServerID,
		Defaults:  cfg.JobDefaults.JobConf(),
		Readiness: membership,
		Runtime:   dataflow.NewRuntime(pool, plans.Parser{}, logger),
		Encoder:   enc,
		Logger:    logger,
	}
	if collector != nil {
		svcOpts.Metrics = collector
	}

	srv := server.New(server.Options{
		ServerID:    cfg.ServerID,
		RPC:         cfg.RPC,
		Membership:  membership,
		Service:     server.NewService(svcOpts),
		Listener:    listener,
		Logger:      logger,
		GracePeriod: cfg.RPC.ShutdownGracePeriod,
	})
	return &node{server: srv, pool: pool}, nil
}

// announcer prints the bound endpoints for whoever started the process.
type announcer struct {
	out io.Writer
}

func (a announcer) OnServerStart(id uint64, addr net.Addr) error {
	_, err := fmt.Fprintf(a.out, "server %d: membership endpoint %s\n", id, addr)
	return err
}

func (a announcer) OnRPCStart(id uint64, addr net.Addr) error {
	_, err := fmt.Fprintf(a.out, "server %d: rpc endpoint %s\n", id, addr)
	return err
}

func buildSubmitCommand() *cobra.Command {
	var (
		jobFile  string
		addr     string
		encoding string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job file and print its results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return submitJob(ctx, cmd.OutOrStdout(), jobFile, addr, encoding)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "YAML file describing the job")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6000", "server address")
	cmd.Flags().StringVar(&encoding, "encoding", "proto", "result encoding of the server: proto or cbor")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = wait forever)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitJob(ctx context.Context, out io.Writer, path, addr, encoding string) error {
	f, err := client.LoadJobFile(path)
	if err != nil {
		return err
	}
	req, err := f.Request()
	if err != nil {
		return err
	}

	c, err := client.Dial(addr, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var printErr error
	outcome, err := c.Submit(ctx, req, func(item *jobpb.JobResponse) {
		if item.IsTerminal() {
			return
		}
		v, err := client.DecodeResult(encoding, f.Plan.Op, item.Res.GetResource())
		if err != nil {
			printErr = err
			return
		}
		fmt.Fprintf(out, "result job=%d %v\n", item.JobID, v)
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", f.JobName, err)
	}
	if printErr != nil {
		return printErr
	}

	if outcome.Succeeded() {
		fmt.Fprintf(out, "done job=%d results=%d status=%s\n", outcome.JobID, len(outcome.Results), outcome.Terminal.Message)
		return nil
	}
	fmt.Fprintf(out, "failed job=%d results=%d status=%s\n", outcome.JobID, len(outcome.Results), outcome.Terminal.Message)
	return outcome.Err()
}

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
