package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"chatload/internal/config"
	"chatload/internal/payload"
	"chatload/internal/probe"
)

const probePause = time.Second

func newProbeCmd(v *viper.Viper, out, errOut io.Writer) *cobra.Command {
	var (
		req        probe.Request
		iterations int
	)
	c := &cobra.Command{
		Use:   "probe",
		Short: "Measure time to first token and inter-token latency of a streaming endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(v, errOut)
			defer log.Sync()

			if iterations <= 0 {
				return fmt.Errorf("--iterations must be positive, got %d", iterations)
			}
			req.APIKey = v.GetString(config.KeyAPIKey)

			fmt.Fprintf(out, "\n--- Starting streaming probe (%d iterations) ---\n", iterations)
			fmt.Fprintf(out, "URL: %s\n", req.URL)

			client := &http.Client{Timeout: config.RequestTimeout}
			runs := probe.Run(cmd.Context(), client, req, iterations, probePause, func(i int, m probe.Metrics, err error) {
				fmt.Fprintf(out, "\nRun %d/%d\n", i+1, iterations)
				if err != nil {
					log.Warn("probe run failed", zap.Int("run", i+1), zap.Error(err))
					fmt.Fprintf(out, "  Error: %v\n", err)
					return
				}
				fmt.Fprintf(out, "  TTFT: %.4fs\n", m.TTFT.Seconds())
				fmt.Fprintf(out, "  ITL (avg): %.4fs\n", m.AvgITL.Seconds())
				fmt.Fprintf(out, "  TPS: %.2f\n", m.TokensPerSec)
			})

			if len(runs) == 0 {
				return fmt.Errorf("no successful probe runs")
			}
			printProbeReport(out, probe.Aggregate(runs))
			return nil
		},
	}
	c.Flags().StringVarP(&req.URL, "url", "u", probe.DefaultURL, "Streaming chat completion endpoint")
	c.Flags().StringVar(&req.Model, "model", payload.Model, "Model name")
	c.Flags().StringVar(&req.Prompt, "prompt", probe.DefaultPrompt, "Prompt sent on every run")
	c.Flags().IntVar(&req.MaxTokens, "max-tokens", probe.DefaultMaxTokens, "Max output tokens")
	c.Flags().IntVarP(&iterations, "iterations", "n", 5, "Number of runs")
	return c
}

func printProbeReport(w io.Writer, r probe.Report) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	fmt.Fprintf(w, "\n========================================\n")
	fmt.Fprintf(w, "FINAL RESULTS (%d runs)\n", r.Runs)
	fmt.Fprintf(w, "========================================\n")
	fmt.Fprintf(w, "TTFT (Time To First Token):\n")
	fmt.Fprintf(w, "  Avg: %.2f ms\n", ms(r.AvgTTFT))
	fmt.Fprintf(w, "  p95: %.2f ms\n", ms(r.P95TTFT))
	fmt.Fprintf(w, "--------------------\n")
	fmt.Fprintf(w, "ITL (Inter-Token Latency):\n")
	fmt.Fprintf(w, "  Avg: %.2f ms\n", ms(r.AvgITL))
	fmt.Fprintf(w, "--------------------\n")
	fmt.Fprintf(w, "Throughput:\n")
	fmt.Fprintf(w, "  Avg: %.2f tokens/s\n", r.AvgTPS)
	fmt.Fprintf(w, "========================================\n")
}
