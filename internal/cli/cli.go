// ============================================================================
// Binpack CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the job client and the simulated worker
//
// Command Structure:
//   binpack                        # Root command
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── run                        # Dispatch a job and follow it to the end
//   │   ├── --boxes FILE           # YAML or JSON box list
//   │   ├── --random N, --seed S   # Add N random boxes
//   │   ├── --yes                  # Confirm low-utilization jobs without asking
//   │   ├── --journal FILE         # Record every event of the run
//   │   └── --grid-x ... --population-size
//   ├── replay FILE                # Rebuild and export a run from its journal
//   ├── check                      # Print utilization and the gate decision
//   ├── worker                     # Serve the simulated GA worker over gRPC
//   │   └── --port                 # Overrides the port of worker.addr
//   └── --version
//
// run Command:
//   1. Load boxes and apply parameter overrides
//   2. Connect to the worker and start the coordinator
//   3. Submit through the confirmation latch (prompt on a TTY, else --yes)
//   4. Render snapshots until done or failed
//   5. Export plots and the final snapshot to export.dir
//
// Signal Handling:
//   SIGINT and SIGTERM cancel the command context. run stops following the
//   job; worker stops accepting streams and gives open ones a grace period.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/binpack-coordinator/internal/coordinator"
	"github.com/ChuLiYu/binpack-coordinator/internal/export"
	"github.com/ChuLiYu/binpack-coordinator/internal/gate"
	"github.com/ChuLiYu/binpack-coordinator/internal/jobparams"
	"github.com/ChuLiYu/binpack-coordinator/internal/journal"
	"github.com/ChuLiYu/binpack-coordinator/internal/logging"
	"github.com/ChuLiYu/binpack-coordinator/internal/metrics"
	"github.com/ChuLiYu/binpack-coordinator/internal/registry"
	"github.com/ChuLiYu/binpack-coordinator/internal/server"
	"github.com/ChuLiYu/binpack-coordinator/internal/transport"
	"github.com/ChuLiYu/binpack-coordinator/internal/worker"
	"github.com/ChuLiYu/binpack-coordinator/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
)

var log = logging.Component("cli")

// Version is reported by --version. main may overwrite it at link time.
var Version = "dev"

// shutdownGrace is how long the worker lets open streams finish.
const shutdownGrace = 5 * time.Second

var (
	// ErrConfirmationRequired is returned by run when the gate asks for
	// confirmation, stdin is not a terminal and --yes was not given.
	ErrConfirmationRequired = errors.New("confirmation required: rerun with --yes")
	// ErrNoBoxes is returned when neither --boxes nor --random yields a box.
	ErrNoBoxes = errors.New("no boxes: use --boxes or --random")
	// ErrJobFailed is returned by run when the job ends in the failed status.
	ErrJobFailed = errors.New("job failed")
)

type rootOptions struct {
	configFile string
	cfg        *Config
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "binpack",
		Short: "Binpack: client and simulated worker for GA bin packing jobs",
		Long: `Binpack dispatches 3D bin packing jobs to a genetic algorithm worker
and follows their progress:
- utilization gate with confirmation
- live progress and per-metric result plots
- JSON export of the results`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			explicit := cmd.Root().PersistentFlags().Changed("config")
			cfg, err := loadConfig(opts.configFile, explicit)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := logging.New(cfg.Log); err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildCheckCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildReplayCommand(opts))

	return rootCmd
}

// ============================================================================
// Shared flags
// ============================================================================

type boxFlags struct {
	file   string
	random int
	seed   int64
}

func (f *boxFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "boxes", "b", "", "YAML or JSON file with the boxes to pack")
	cmd.Flags().IntVar(&f.random, "random", 0, "add N boxes with random dimensions")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "seed for --random (0 picks one from the clock)")
}

func (f *boxFlags) load() ([]types.BoxSpec, error) {
	reg := registry.New()
	if f.file != "" {
		if _, err := reg.LoadFile(f.file); err != nil {
			return nil, err
		}
	}

	if f.random > 0 {
		seed := f.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < f.random; i++ {
			if _, err := reg.Add(registry.Randomize(rng)); err != nil {
				return nil, err
			}
		}
	}

	if reg.Len() == 0 {
		return nil, ErrNoBoxes
	}
	return reg.List(), nil
}

// paramFlag maps a parameter field name to its flag name.
func paramFlag(field string) string {
	return strings.ReplaceAll(field, "_", "-")
}

func registerParamFlags(cmd *cobra.Command) {
	for _, field := range jobparams.Fields {
		cmd.Flags().String(paramFlag(field), "", "override job."+field)
	}
}

// jobParameters applies the parameter flags the user set on top of base.
func jobParameters(cmd *cobra.Command, base types.JobParameters) (types.JobParameters, error) {
	set := jobparams.New(base)
	for _, field := range jobparams.Fields {
		name := paramFlag(field)
		if !cmd.Flags().Changed(name) {
			continue
		}
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return base, err
		}
		if err := set.SetField(field, value); err != nil {
			return base, fmt.Errorf("--%s: %w", name, err)
		}
	}
	return set.Get(), nil
}

// collectorFor returns a collector on a private registry served on the
// metrics port, or nil when metrics are disabled.
func collectorFor(ctx context.Context, cfg *Config) *metrics.Collector {
	if !cfg.Metrics.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	go func() {
		if err := metrics.StartServer(ctx, addr, reg); err != nil {
			log.Warn("Metrics server error", "addr", addr, "error", err)
		}
	}()
	return collector
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var boxes boxFlags
	var yes bool
	var journalPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch a packing job and follow it until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			list, err := boxes.load()
			if err != nil {
				return err
			}
			params, err := jobParameters(cmd, opts.cfg.Job)
			if err != nil {
				return err
			}
			job := jobRequest{boxes: list, params: params, yes: yes, journal: journalPath}
			return runJob(ctx, opts.cfg, cmd.InOrStdin(), cmd.OutOrStdout(), job)
		},
	}

	boxes.register(cmd)
	registerParamFlags(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm low-utilization jobs without prompting")
	cmd.Flags().StringVar(&journalPath, "journal", "", "append every event of the run to this file")

	return cmd
}

// jobRequest is what run was asked to do.
type jobRequest struct {
	boxes   []types.BoxSpec
	params  types.JobParameters
	yes     bool   // skip the confirmation prompt
	journal string // journal file, empty for none
}

// runJob connects to the worker, submits the job through the gate and
// renders snapshots until the job is done or failed.
func runJob(ctx context.Context, cfg *Config, in io.Reader, out io.Writer, job jobRequest) error {
	collector := collectorFor(ctx, cfg)

	log.Info("Connecting to worker", "addr", cfg.Worker.Addr)
	ch, err := transport.Dial(ctx, cfg.Worker.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.Worker.DialTimeout,
		}),
	)
	if err != nil {
		return err
	}

	var events coordinator.EventChannel = ch
	if job.journal != "" {
		j, err := journal.Open(job.journal, false)
		if err != nil {
			ch.Close()
			return err
		}
		log.Info("Recording run", "journal", j.Path(), "last_seq", j.LastSeq())
		events = journal.NewRecorder(ch, j)
	}

	coord := coordinator.New(events, cfg.Coordinator, coordinator.WithMetrics(collector))
	defer coord.Stop()
	if err := coord.Start(ctx); err != nil {
		return err
	}

	updates, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	latch := gate.NewLatch(coord.Dispatch, collector)
	outcome, err := latch.Submit(ctx, job.boxes, job.params)
	if err != nil {
		return err
	}

	if outcome == gate.AwaitingConfirmation {
		agreed := job.yes
		if !agreed {
			if !isInteractive(in) {
				latch.Disagree()
				return ErrConfirmationRequired
			}
			if agreed, err = confirm(in, out, gate.PromptTitle, gate.PromptBody); err != nil {
				latch.Disagree()
				return err
			}
		}
		if !agreed {
			latch.Disagree()
			fmt.Fprintln(out, mutedStyle.Render("Job not dispatched."))
			return nil
		}
		if err := latch.Agree(ctx); err != nil {
			return err
		}
	}

	final, err := follow(ctx, updates, newRenderer(out))
	if err != nil {
		return err
	}

	return finish(cfg, out, final)
}

// finish exports the final snapshot and maps a failed run to ErrJobFailed.
func finish(cfg *Config, out io.Writer, final types.JobSnapshot) error {
	dir, err := export.NewExporter(cfg.Export.Dir).Export(final)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, mutedStyle.Render("Results exported to "+dir))

	if final.Status == types.StatusFailed {
		return fmt.Errorf("%w: %s", ErrJobFailed, final.ProgressLabel)
	}
	return nil
}

// follow renders every snapshot until the run reaches done or failed.
// Snapshots from before the dispatch (no run id yet) are skipped.
func follow(ctx context.Context, updates <-chan types.JobSnapshot, r *renderer) (types.JobSnapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return types.JobSnapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return types.JobSnapshot{}, coordinator.ErrStopped
			}
			if snap.RunID == "" {
				continue
			}
			r.update(snap)
			if snap.Status == types.StatusDone || snap.Status == types.StatusFailed {
				return snap, nil
			}
		}
	}
}

// ============================================================================
// replay
// ============================================================================

func buildReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay JOURNAL",
		Short: "Rebuild the final state of a recorded run and export it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayJob(opts.cfg, cmd.OutOrStdout(), args[0])
		},
	}
}

func replayJob(cfg *Config, out io.Writer, path string) error {
	final, err := journal.Replay(path, cfg.Coordinator)
	if err != nil {
		return err
	}
	if final.RunID == "" {
		return fmt.Errorf("journal %s holds no dispatched run", path)
	}

	r := newRenderer(out)
	r.update(final)
	if final.Status != types.StatusDone && final.Status != types.StatusFailed {
		fmt.Fprintln(out, warnStyle.Render("journal ends before the run finished"))
	}
	return finish(cfg, out, final)
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand(opts *rootOptions) *cobra.Command {
	var boxes boxFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show container utilization and whether a job would need confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := boxes.load()
			if err != nil {
				return err
			}
			params, err := jobParameters(cmd, opts.cfg.Job)
			if err != nil {
				return err
			}
			renderCheck(cmd.OutOrStdout(), list, params)
			return nil
		},
	}

	boxes.register(cmd)
	registerParamFlags(cmd)
	return cmd
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve the simulated GA worker over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr, err := listenAddr(opts.cfg.Worker.Addr, port)
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			return runWorker(ctx, opts.cfg, lis)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: port of worker.addr)")
	return cmd
}

// listenAddr picks the listen address from the configured worker address,
// replacing its port when port is set.
func listenAddr(workerAddr string, port int) (string, error) {
	if port > 0 {
		return fmt.Sprintf(":%d", port), nil
	}
	_, p, err := net.SplitHostPort(workerAddr)
	if err != nil {
		return "", fmt.Errorf("invalid worker.addr %q: %w", workerAddr, err)
	}
	return ":" + p, nil
}

// runWorker serves lis until ctx is done.
func runWorker(ctx context.Context, cfg *Config, lis net.Listener) error {
	collector := collectorFor(ctx, cfg)

	sim := worker.NewSimulator(cfg.Worker.GenerationDelay, cfg.Worker.PlotDelay)
	pool := worker.NewPool(sim, cfg.Worker.PoolSize*4, collector)
	if err := pool.Start(cfg.Worker.PoolSize); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	log.Info("Starting worker", "pool_size", cfg.Worker.PoolSize, "generation_delay", cfg.Worker.GenerationDelay)
	if err := server.Serve(ctx, lis, server.NewServer(pool), shutdownGrace); err != nil {
		return err
	}
	log.Info("Worker stopped")
	return nil
}
