package common

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// OpResult holds the formatted results for one kind of admin operation.
type OpResult struct {
	Op           string  `json:"op"`
	Duration     string  `json:"duration"`
	Ops          int64   `json:"ops"`
	OpsPerSecond float64 `json:"ops_per_second"`
	LatencyMin   string  `json:"latency_min,omitempty"`
	LatencyMean  string  `json:"latency_mean,omitempty"`
	LatencyP50   string  `json:"latency_p50,omitempty"`
	LatencyP95   string  `json:"latency_p95,omitempty"`
	LatencyP99   string  `json:"latency_p99,omitempty"`
	LatencyMax   string  `json:"latency_max,omitempty"`
	Errors       int64   `json:"errors"`
}

// NewOpResult summarizes stats for op.
func NewOpResult(op string, stats *Stats) OpResult {
	result := OpResult{
		Op:           op,
		Duration:     stats.Duration().String(),
		Ops:          stats.Ops(),
		OpsPerSecond: stats.OpsPerSecond(),
		Errors:       stats.Errors(),
	}
	if stats.LatencyCount() > 0 {
		result.LatencyMin = stats.LatencyMin().String()
		result.LatencyMean = stats.LatencyMean().String()
		result.LatencyP50 = stats.LatencyPercentile(50).String()
		result.LatencyP95 = stats.LatencyPercentile(95).String()
		result.LatencyP99 = stats.LatencyPercentile(99).String()
		result.LatencyMax = stats.LatencyMax().String()
	}
	return result
}

// PrintResults writes results to w as text or json.
func PrintResults(w io.Writer, results []OpResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range results {
		fmt.Fprintln(tw, "")
		fmt.Fprintf(tw, "=== %s ===\n", r.Op)
		fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration)
		fmt.Fprintf(tw, "Operations:\t%s\n", humanize.Comma(r.Ops))
		fmt.Fprintf(tw, "Throughput:\t%s ops/sec\n", humanize.CommafWithDigits(r.OpsPerSecond, 2))
		if r.LatencyP50 != "" {
			fmt.Fprintf(tw, "Min:\t%s\n", r.LatencyMin)
			fmt.Fprintf(tw, "Mean:\t%s\n", r.LatencyMean)
			fmt.Fprintf(tw, "P50:\t%s\n", r.LatencyP50)
			fmt.Fprintf(tw, "P95:\t%s\n", r.LatencyP95)
			fmt.Fprintf(tw, "P99:\t%s\n", r.LatencyP99)
			fmt.Fprintf(tw, "Max:\t%s\n", r.LatencyMax)
		}
		fmt.Fprintf(tw, "Errors:\t%d\n", r.Errors)
	}
	fmt.Fprintln(tw, "")
	return tw.Flush()
}
