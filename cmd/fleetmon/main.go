package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/log"
	"github.com/fleetmon/fleetmon/pkg/metrics"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/supervisor"
	"github.com/fleetmon/fleetmon/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagStart       bool
	flagCheck       bool
	flagCheckStart  bool
	flagInit        bool
	flagInitAll     bool
	flagShutdown    bool
	flagSilentStop  bool
	flagRemoveBlock bool
	flagAll         bool
	flagWorkDir     string
	flagProfile     string
	flagFakeUser    string
	flagLogLevel    string
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(types.ExitSyntax)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetmon",
	Short: "fleetmon - fleet monitoring supervisor",
	Long: `fleetmon supervises a fleet of remote file-distribution nodes:
it polls each node's status daemon over TCP, maintains a shared status
area for viewers, accumulates hourly through yearly transfer counters
and forwards remote log streams.`,
	Version: Version,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetmon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	f := rootCmd.Flags()
	f.BoolVarP(&flagStart, "start", "a", false, "start the supervisor, fail if one is running")
	f.BoolVarP(&flagCheck, "check", "c", false, "only check whether a supervisor is running")
	f.BoolVarP(&flagCheckStart, "check-start", "C", false, "start the supervisor unless one is running")
	f.BoolVarP(&flagInit, "init", "i", false, "remove the fifo directory before starting")
	f.BoolVarP(&flagInitAll, "init-all", "I", false, "remove the fifo and log directories before starting")
	f.BoolVarP(&flagShutdown, "stop", "s", false, "shut a running supervisor down")
	f.BoolVarP(&flagSilentStop, "silent-stop", "S", false, "shut down without complaining when none runs")
	f.BoolVarP(&flagRemoveBlock, "remove-block", "r", false, "remove the block sentinel")
	f.BoolVar(&flagAll, "all", false, "with -s/-S: also stop the auxiliary log writers")
	f.StringVarP(&flagWorkDir, "work-dir", "w", defaultWorkDir(), "working directory")
	f.StringVarP(&flagProfile, "profile", "p", "", "profile name recorded in the logs")
	f.StringVarP(&flagFakeUser, "user", "u", "", "act on behalf of this user")
	f.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics and health on this address")
}

func defaultWorkDir() string {
	if d := os.Getenv("FLEETMON_WORK_DIR"); d != "" {
		return d
	}
	return "/var/lib/fleetmon"
}

func run() int {
	log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: false})
	metrics.SetVersion(Version)
	logger := log.WithComponent("cli")
	if flagProfile != "" {
		logger = logger.With().Str("profile", flagProfile).Logger()
	}
	if flagFakeUser != "" {
		logger.Info().Str("user", flagFakeUser).Msg("acting on behalf of user")
	}

	fifoDir := filepath.Join(flagWorkDir, "fifo")

	switch {
	case flagRemoveBlock:
		return removeBlock()
	case flagShutdown || flagSilentStop:
		return shutdown()
	case flagCheck:
		if ssa.Alive(fifoDir) {
			fmt.Println("fleetmon is active")
			return types.ExitAlreadyRunning
		}
		fmt.Println("fleetmon is not active")
		return types.ExitSuccess
	case flagStart:
		if ssa.Alive(fifoDir) {
			fmt.Fprintln(os.Stderr, "fleetmon is already running")
			return types.ExitAlreadyRunning
		}
		return start(logger)
	default:
		// Plain invocation and -C behave the same: start unless one runs.
		if ssa.Alive(fifoDir) {
			fmt.Println("fleetmon is already running")
			return types.ExitSuccess
		}
		return start(logger)
	}
}

func removeBlock() int {
	path := supervisor.BlockPath(flagWorkDir)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no block sentinel present")
			return types.ExitSuccess
		}
		fmt.Fprintf(os.Stderr, "failed to remove %s: %v\n", path, err)
		return types.ExitIncorrect
	}
	fmt.Println("block sentinel removed")
	return types.ExitSuccess
}

func shutdown() int {
	op := types.OpShutdown
	if flagAll {
		op = types.OpShutdownAll
	}
	reply, err := supervisor.SendCommand(flagWorkDir, op, 0)
	if err != nil {
		if flagSilentStop {
			return types.ExitSuccess
		}
		fmt.Fprintf(os.Stderr, "failed to stop fleetmon: %v\n", err)
		return types.ExitIncorrect
	}
	if reply != types.AckByte && reply != types.AckStoppedByte {
		if !flagSilentStop {
			fmt.Fprintf(os.Stderr, "unexpected reply %#x from supervisor\n", reply)
		}
		return types.ExitIncorrect
	}
	if !flagSilentStop {
		fmt.Println("fleetmon stopped")
	}
	return types.ExitSuccess
}

// initDirs wipes the requested state directories before a fresh start.
func initDirs() error {
	if ssa.Alive(filepath.Join(flagWorkDir, "fifo")) {
		return fmt.Errorf("refusing to initialize while fleetmon is running")
	}
	if flagInit || flagInitAll {
		if err := os.RemoveAll(filepath.Join(flagWorkDir, "fifo")); err != nil {
			return fmt.Errorf("failed to remove fifo directory: %w", err)
		}
	}
	if flagInitAll {
		if err := os.RemoveAll(filepath.Join(flagWorkDir, "log")); err != nil {
			return fmt.Errorf("failed to remove log directory: %w", err)
		}
	}
	return nil
}

func start(logger zerolog.Logger) int {
	if flagInit || flagInitAll {
		if err := initDirs(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return types.ExitIncorrect
		}
	}

	cfgPath := filepath.Join(flagWorkDir, "etc", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return types.ExitIncorrect
	}
	// The command line wins over the configured working directory.
	cfg.WorkDir = flagWorkDir

	sup := supervisor.New(cfg, cfgPath)

	if flagMetricsAddr != "" {
		serveMetrics(logger)
	}

	collector := metrics.NewCollector(sup.Store())
	collector.Start()
	defer collector.Stop()

	logger.Info().Str("work_dir", flagWorkDir).Int("sites", len(cfg.Sites)).Msg("starting fleetmon")
	if err := sup.Run(context.Background()); err != nil {
		if err == supervisor.ErrDisabled {
			fmt.Fprintln(os.Stderr, "fleetmon is disabled by the system administrator")
			return types.ExitDisabledBySysadm
		}
		fmt.Fprintf(os.Stderr, "supervisor failed: %v\n", err)
		return types.ExitIncorrect
	}
	return types.ExitSuccess
}

func serveMetrics(logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	go func() {
		if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics endpoint failed")
		}
	}()
	logger.Info().Str("addr", flagMetricsAddr).Msg("metrics endpoint up")
}
