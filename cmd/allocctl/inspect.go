package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/tieralloc/alloc"
	"github.com/joshuapare/tieralloc/config"
	"github.com/joshuapare/tieralloc/vmem"
)

func init() {
	rootCmd.AddCommand(newInspectCmd())
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [size...]",
		Short: "Show tier layout and request routing",
		Long: `The inspect command builds a master allocator and prints its routing
thresholds and the reservation of every tier. Each size argument is
allocated once and reported with the tier that served it.

Example:
  allocctl inspect
  allocctl inspect 100 4KiB 1MiB
  allocctl inspect --config tiers.yaml --json 300`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args)
		},
	}
	return cmd
}

// Inspection describes a master allocator's layout.
type Inspection struct {
	MaxSmall  int
	MaxMedium int
	MaxLarge  int
	Tiers     []TierInfo
	Probes    []Probe `json:",omitempty"`
}

// TierInfo is the layout of one tier.
type TierInfo struct {
	Name      string
	Reserved  int
	Committed int
	MaxSize   int
}

// Probe reports where one request was served.
type Probe struct {
	Size    int
	Tier    string `json:",omitempty"`
	Address string `json:",omitempty"`
	Error   string `json:",omitempty"`
}

func runInspect(args []string) error {
	sizes := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := config.ParseSize(arg)
		if err != nil {
			return errors.Wrapf(err, "size argument %q", arg)
		}
		sizes = append(sizes, int(n))
	}

	m, err := newMaster()
	if err != nil {
		return errors.Wrap(err, "failed to build allocator")
	}
	defer m.Close()

	var in Inspection
	in.MaxSmall, in.MaxMedium, in.MaxLarge = m.Thresholds()
	for _, t := range m.Tiers() {
		s := t.Stats()
		in.Tiers = append(in.Tiers, TierInfo{
			Name:      s.Name,
			Reserved:  s.ReservedBytes,
			Committed: s.CommittedBytes,
			MaxSize:   t.MaxAllocationSize(),
		})
	}
	for _, size := range sizes {
		in.Probes = append(in.Probes, probe(m, size))
	}

	if err := m.Medium().Validate(); err != nil {
		return errors.Wrap(err, "medium tier inconsistent")
	}

	if jsonOut {
		return printJSON(in)
	}
	printInspection(in)
	return nil
}

// probe allocates size bytes, records the serving tier and frees the block.
func probe(m *alloc.MasterAllocator, size int) Probe {
	p := Probe{Size: size}
	b, err := m.Allocate(size)
	if err != nil {
		p.Error = err.Error()
		return p
	}
	defer m.Free(b)
	p.Address = fmt.Sprintf("%#x", vmem.Addr(b))
	for _, t := range m.Tiers() {
		if t.Owns(b) {
			p.Tier = t.Name()
			break
		}
	}
	return p
}

func printInspection(in Inspection) {
	printInfo("\nRouting:\n")
	printInfo("  size <= %s: small\n", formatBytes(int64(in.MaxSmall)))
	printInfo("  size <= %s: medium\n", formatBytes(int64(in.MaxMedium)))
	printInfo("  size <= %s: large\n", formatBytes(int64(in.MaxLarge)))

	printInfo("\nTiers:\n")
	for _, t := range in.Tiers {
		printInfo("  %-16s reserved %-10s committed %-10s max %s\n", t.Name,
			formatBytes(int64(t.Reserved)), formatBytes(int64(t.Committed)), formatBytes(int64(t.MaxSize)))
	}

	if len(in.Probes) == 0 {
		return
	}
	printInfo("\nProbes:\n")
	for _, p := range in.Probes {
		if p.Error != "" {
			printInfo("  %s bytes: %s\n", formatNumber(int64(p.Size)), p.Error)
			continue
		}
		printInfo("  %s bytes: %s at %s\n", formatNumber(int64(p.Size)), p.Tier, p.Address)
	}
}
