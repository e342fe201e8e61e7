package main

import (
	"math/bits"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/tieralloc/alloc"
	"github.com/joshuapare/tieralloc/config"
	"github.com/joshuapare/tieralloc/metrics"
)

var (
	benchOps     int
	benchSeed    int64
	benchMaxSize string
	benchLive    int
	benchMetrics bool
	benchTrim    bool
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVarP(&benchOps, "ops", "n", 100000, "Number of allocate/free operations")
	cmd.Flags().Int64Var(&benchSeed, "seed", 1, "Random seed for the workload")
	cmd.Flags().StringVar(&benchMaxSize, "max-size", "64KiB", "Largest request size")
	cmd.Flags().IntVar(&benchLive, "live", 1024, "Maximum live allocations")
	cmd.Flags().BoolVar(&benchMetrics, "metrics", false, "Print Prometheus metrics after the run")
	cmd.Flags().BoolVar(&benchTrim, "trim", false, "Trim the medium tier after the run")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive the allocator with a random workload",
		Long: `The bench command runs a seeded mix of allocations and frees against a
master allocator and reports throughput, peak committed memory and the
counters of every tier.

Sizes are drawn log-uniformly up to --max-size so each tier sees traffic.

Example:
  allocctl bench
  allocctl bench --ops 1000000 --max-size 4MiB
  allocctl bench --config tiers.yaml --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench()
		},
	}
	return cmd
}

// BenchReport is the result of one bench run.
type BenchReport struct {
	Ops           int
	Seed          int64
	Duration      time.Duration
	OpsPerSecond  float64
	PeakCommitted int
	PeakLive      int
	Trimmed       int
	Total         alloc.Stats
	Tiers         []alloc.Stats
}

// workload generates the request stream for a bench run.
type workload struct {
	rng     *rand.Rand
	maxSize int
}

// size returns a request size with a log-uniform distribution in [1, maxSize].
func (w *workload) size() int {
	shift := w.rng.Intn(bits.Len(uint(w.maxSize)))
	n := 1 + w.rng.Intn(1<<shift)
	if n > w.maxSize {
		n = w.maxSize
	}
	return n
}

func runBench() error {
	maxSize, err := config.ParseSize(benchMaxSize)
	if err != nil {
		return errors.Wrap(err, "--max-size")
	}
	if maxSize < 1 {
		return errors.Newf("--max-size must be positive, got %d", maxSize)
	}
	if benchLive < 1 {
		return errors.Newf("--live must be positive, got %d", benchLive)
	}

	m, err := newMaster()
	if err != nil {
		return errors.Wrap(err, "failed to build allocator")
	}
	defer m.Close()

	if int(maxSize) > m.MaxAllocationSize() {
		return errors.Newf("--max-size %d exceeds the allocator maximum %d", maxSize, m.MaxAllocationSize())
	}

	printVerbose("Running %d operations (seed %d, max size %s)\n", benchOps, benchSeed, formatBytes(int64(maxSize)))

	w := &workload{rng: rand.New(rand.NewSource(benchSeed)), maxSize: int(maxSize)}
	live := make([][]byte, 0, benchLive)
	report := BenchReport{Ops: benchOps, Seed: benchSeed}

	start := time.Now()
	for i := 0; i < benchOps; i++ {
		if len(live) < benchLive && (len(live) == 0 || w.rng.Intn(2) == 0) {
			b, err := m.Allocate(w.size())
			if err != nil {
				return errors.Wrapf(err, "operation %d", i)
			}
			b[0], b[len(b)-1] = byte(i), byte(i)
			live = append(live, b)
			report.PeakLive = max(report.PeakLive, len(live))
		} else {
			j := w.rng.Intn(len(live))
			m.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if i&1023 == 0 {
			report.PeakCommitted = max(report.PeakCommitted, m.CommitSize())
		}
	}
	report.PeakCommitted = max(report.PeakCommitted, m.CommitSize())
	for _, b := range live {
		m.Free(b)
	}
	report.Duration = time.Since(start)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.OpsPerSecond = float64(benchOps) / secs
	}

	if benchTrim {
		report.Trimmed = m.Trim()
	}
	report.Total = m.Stats()
	for _, t := range m.Tiers() {
		report.Tiers = append(report.Tiers, t.Stats())
	}

	if err := m.Medium().Validate(); err != nil {
		return errors.Wrap(err, "medium tier inconsistent after run")
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printBenchReport(report)
	}

	if benchMetrics {
		families, err := metrics.Gather(metrics.ForMaster("", m))
		if err != nil {
			return err
		}
		if !quiet {
			return metrics.WriteText(os.Stdout, families)
		}
	}
	return nil
}

func printBenchReport(r BenchReport) {
	printInfo("\nBench: %s operations (seed %d)\n", formatNumber(int64(r.Ops)), r.Seed)
	printInfo("%s\n\n", strings.Repeat("=", 40))

	printInfo("Duration: %s (%s ops/s)\n", r.Duration.Round(time.Microsecond), formatNumber(int64(r.OpsPerSecond)))
	printInfo("Peak live allocations: %s\n", formatNumber(int64(r.PeakLive)))
	printInfo("Peak committed: %s\n", formatBytes(int64(r.PeakCommitted)))
	printInfo("Committed after run: %s\n", formatBytes(int64(r.Total.CommittedBytes)))
	if r.Trimmed > 0 {
		printInfo("Trimmed: %s\n", formatBytes(int64(r.Trimmed)))
	}
	printInfo("\nTiers:\n")
	for _, s := range r.Tiers {
		printInfo("  %s: %s allocs, %s frees, %s failures, %s committed\n",
			s.Name, formatNumber(int64(s.AllocCalls)), formatNumber(int64(s.FreeCalls)),
			formatNumber(int64(s.Failures)), formatBytes(int64(s.CommittedBytes)))
		printVerbose("    allocated %s, freed %s, grows %s, splits %s, coalesced %s/%s\n",
			formatBytes(s.BytesAllocated), formatBytes(s.BytesFreed),
			formatNumber(int64(s.GrowCalls)), formatNumber(int64(s.SplitCount)),
			formatNumber(int64(s.CoalesceForward)), formatNumber(int64(s.CoalesceBackward)))
	}
}
