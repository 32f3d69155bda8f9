package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chatload/internal/dummy"
)

func newDummyCmd(v *viper.Viper, errOut io.Writer) *cobra.Command {
	var (
		port int
		opts dummy.Options
	)
	c := &cobra.Command{
		Use:   "dummy",
		Short: "Run a fake chat completion endpoint for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ErrorRate < 0 || opts.ErrorRate > 1 {
				return fmt.Errorf("--error-rate must be within [0, 1], got %g", opts.ErrorRate)
			}
			log := newLogger(v, errOut)
			defer log.Sync()
			return dummy.ListenAndServe(cmd.Context(), fmt.Sprintf(":%d", port), opts, log)
		},
	}
	c.Flags().IntVar(&port, "port", 8080, "Port to run dummy server on")
	c.Flags().DurationVar(&opts.Latency, "latency", 0, "Delay before each response (e.g. 250ms)")
	c.Flags().Float64Var(&opts.ErrorRate, "error-rate", 0, "Fraction of requests answered with 500")
	c.Flags().DurationVar(&opts.TokenDelay, "token-delay", 0, "Delay between streamed chunks")
	return c
}
