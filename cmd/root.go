package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"chatload/internal/banner"
	"chatload/internal/cli"
	"chatload/internal/config"
	"chatload/internal/export"
	"chatload/internal/logging"
	"chatload/internal/payload"
	"chatload/internal/runner"
	"chatload/internal/tui"
)

// ExitThresholdFailed matches k6's exit code for a crossed threshold.
const ExitThresholdFailed = 99

var errThresholdFailed = stderrors.New("http_req_failed threshold crossed")

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if stderrors.Is(err, errThresholdFailed) {
		return ExitThresholdFailed
	}
	return 1
}

// NewRootCmd builds the command tree. Reports go to out, logs and errors to
// errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	root := &cobra.Command{
		Use:   "chatload",
		Short: "chatload - load driver for OpenAI-compatible chat completion endpoints",
		Long: `
chatload fires a fixed number of chat completion requests across a pool of
virtual users and checks that fewer than 1% of them failed.

It supports two output modes:
1. CLI Mode (Default): progress line and summary, suitable for CI
2. TUI Mode (--tui): live dashboard`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(""); err != nil {
				return err
			}
			return config.ReadConfigFile(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), v, out, errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), banner.GetString())
		cmd.Usage()
	})

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatload.yaml)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.String("api-key", "", "Bearer token sent in the Authorization header (env API_KEY)")

	f := root.Flags()
	f.StringP("url", "u", config.DefaultURL, "Chat completion endpoint (env BASE_URL)")
	f.StringP("payload", "p", string(payload.VariantShort), "Payload variant: short or long (env PAYLOAD_TYPE)")
	f.Int("vus", config.DefaultWorkers, "Number of virtual users (env VUS)")
	f.IntP("iterations", "n", config.DefaultIterations, "Total requests shared by all VUs (env TOTAL_N)")
	f.String("summary-export", "", "Write a k6-style JSON summary to this path (env SUMMARY_EXPORT)")
	f.Bool("tui", false, "Show the live terminal dashboard")

	bindFlags(v, f, map[string]string{
		config.KeyURL:           "url",
		config.KeyPayload:       "payload",
		config.KeyVUs:           "vus",
		config.KeyIterations:    "iterations",
		config.KeySummaryExport: "summary-export",
		config.KeyTUI:           "tui",
	})
	bindFlags(v, pf, map[string]string{
		config.KeyLogLevel: "log-level",
		config.KeyAPIKey:   "api-key",
	})

	root.AddCommand(newDummyCmd(v, errOut))
	root.AddCommand(newProbeCmd(v, out, errOut))
	return root
}

// bindFlags binds each viper key to the named flag so a changed flag wins
// over env and config file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		// BindPFlag only fails on a nil flag.
		_ = v.BindPFlag(key, fs.Lookup(name))
	}
}

// Execute runs the command tree and exits with its code.
func Execute() {
	root := NewRootCmd(os.Stdout, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()

	if err != nil && !stderrors.Is(err, errThresholdFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(ExitCode(err))
}

func newLogger(v *viper.Viper, w io.Writer) *zap.Logger {
	level := v.GetString(config.KeyLogLevel)
	return logging.New(logging.Config{
		Level:   level,
		Console: logging.ParseLevel(level) == zap.DebugLevel,
		Output:  w,
	})
}

func runLoad(ctx context.Context, v *viper.Viper, out, errOut io.Writer) error {
	logOut := errOut
	if v.GetBool(config.KeyTUI) {
		// The dashboard owns the terminal.
		logOut = io.Discard
	}
	log := newLogger(v, logOut)
	defer log.Sync()

	cfg, err := config.Load(v, log)
	if err != nil {
		return err
	}

	r, err := runner.NewRunner(cfg,
		runner.WithLogger(log),
		runner.WithUpdates(make(runner.StatsUpdateChan, 100)),
	)
	if err != nil {
		return err
	}

	var s runner.Summary
	if cfg.TUI {
		s, err = runTUI(ctx, r, out)
	} else {
		s, err = cli.Run(ctx, r, out)
	}
	if err != nil {
		return err
	}

	if cfg.SummaryExport != "" {
		if err := export.WriteSummary(cfg.SummaryExport, s); err != nil {
			return fmt.Errorf("export summary: %w", err)
		}
		fmt.Fprintf(out, "\n💾 Summary saved to %s\n", cfg.SummaryExport)
	}

	if !s.Passed {
		log.Warn("threshold crossed",
			zap.Float64("failure_rate", s.FailureRate),
			zap.Float64("threshold", s.Threshold),
		)
		return errThresholdFailed
	}
	return nil
}

func runTUI(ctx context.Context, r *runner.Runner, out io.Writer) (runner.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := tui.NewModel(r, cancel)
	m.Start(ctx)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		// The program can die on a signal before the run returns; stop the
		// run and still report what was collected.
		cancel()
		if s, runErr := m.Wait(); runErr == nil {
			cli.PrintSummary(out, s)
		}
		return runner.Summary{}, fmt.Errorf("run dashboard: %w", err)
	}

	s, err := m.Wait()
	if err != nil {
		return s, err
	}
	cli.PrintSummary(out, s)
	return s, nil
}
