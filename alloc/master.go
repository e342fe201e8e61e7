package alloc

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/tieralloc/internal/check"
	"github.com/joshuapare/tieralloc/internal/format"
	"github.com/joshuapare/tieralloc/vmem"
)

// SmallConfig configures the small tier, a SegregatedPoolAllocator.
type SmallConfig struct {
	Capacity          int `yaml:"capacity"`            // Arena size in bytes
	PageSize          int `yaml:"page_size"`           // Pool page size in bytes
	MinAllocationSize int `yaml:"min_allocation_size"` // Class granularity in bytes
	Classes           int `yaml:"classes"`             // Number of linear classes
}

// MediumConfig configures the medium tier, a TLSFAllocator.
type MediumConfig struct {
	Capacity         int `yaml:"capacity"`           // Arena size in bytes
	SecondLevelIndex int `yaml:"second_level_index"` // log2 of lists per power of two
	MaxSize          int `yaml:"max_size"`           // Largest request routed here; 0 = tier maximum
}

// LargeConfig configures the large tier, an ExponentialAllocator.
type LargeConfig struct {
	Capacity int `yaml:"capacity"`  // Arena size in bytes
	BaseSize int `yaml:"base_size"` // Smallest block size, a power of two >= page size
	Order    int `yaml:"order"`     // Number of doubling classes
}

// MasterConfig configures the three tiers of a MasterAllocator.
type MasterConfig struct {
	Small  SmallConfig  `yaml:"small"`
	Medium MediumConfig `yaml:"medium"`
	Large  LargeConfig  `yaml:"large"`
}

// DefaultMasterConfig returns a configuration suited to general workloads:
//
//	small:  64 classes of 16 bytes (up to 1 KiB), 64 KiB pages, 64 MiB arena
//	medium: TLSF up to 256 KiB, 16 lists per power of two, 256 MiB arena
//	large:  6 classes from 512 KiB to 16 MiB, 1 GiB arena
func DefaultMasterConfig() MasterConfig {
	return MasterConfig{
		Small: SmallConfig{
			Capacity:          64 << 20,
			PageSize:          64 << 10,
			MinAllocationSize: 16,
			Classes:           64,
		},
		Medium: MediumConfig{
			Capacity:         256 << 20,
			SecondLevelIndex: DefaultSecondLevelIndex,
			MaxSize:          256 << 10,
		},
		Large: LargeConfig{
			Capacity: 1 << 30,
			BaseSize: 512 << 10,
			Order:    6,
		},
	}
}

// Validate checks the parameters that can be checked without reserving memory.
func (c MasterConfig) Validate() error {
	switch {
	case c.Small.Capacity <= 0 || c.Medium.Capacity <= 0 || c.Large.Capacity <= 0:
		return errors.Wrap(ErrInvalidSize, "tier capacities must be positive")
	case c.Small.Classes < 1:
		return errors.Wrapf(ErrInvalidSize, "small classes %d", c.Small.Classes)
	case c.Small.MinAllocationSize < minPoolAllocSize || c.Small.MinAllocationSize%poolAllocSizeFactor != 0:
		return errors.Wrapf(ErrInvalidSize, "small minimum allocation size %d", c.Small.MinAllocationSize)
	case c.Small.PageSize <= pageTrailerSize:
		return errors.Wrapf(ErrInvalidSize, "small page size %d", c.Small.PageSize)
	case c.Medium.SecondLevelIndex < 0 || c.Medium.SecondLevelIndex > MaxSecondLevelIndex:
		return errors.Wrapf(ErrInvalidSize, "medium second level index %d", c.Medium.SecondLevelIndex)
	case c.Medium.MaxSize < 0:
		return errors.Wrapf(ErrInvalidSize, "medium max size %d", c.Medium.MaxSize)
	case c.Large.Order < 1 || c.Large.Order > 32:
		return errors.Wrapf(ErrInvalidSize, "large order %d", c.Large.Order)
	case !format.IsPow2(c.Large.BaseSize):
		return errors.Wrapf(ErrInvalidSize, "large base size %d is not a power of two", c.Large.BaseSize)
	}
	return nil
}

// MasterAllocator routes each request to the small, medium or large tier by
// size. Requests above the large tier's maximum fail with ErrTooLarge.
//
// The three tiers are carved from one reservation: the large tier first, so
// that it inherits the reservation's alignment to the largest large block,
// then the medium and small tiers.
type MasterAllocator struct {
	res  *vmem.Reservation // nil when the region is borrowed
	name string
	log  *slog.Logger

	small  *SegregatedPoolAllocator
	medium *TLSFAllocator
	large  *ExponentialAllocator

	maxSmall  int
	maxMedium int
	maxLarge  int

	failures int
}

// NewMaster builds the tiers described by cfg.
func NewMaster(cfg MasterConfig, opts Options) (*MasterAllocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ps := PageSize()
	maxBlock := cfg.Large.BaseSize << (cfg.Large.Order - 1)
	largeSize := format.AlignUp(cfg.Large.Capacity, maxBlock)
	mediumSize := format.AlignUp(cfg.Medium.Capacity, ps)
	smallSize := format.AlignUp(cfg.Small.Capacity, ps)
	total := largeSize + mediumSize + smallSize

	name := opts.name("master")
	m := &MasterAllocator{name: name, log: opts.logger(name)}

	parent := opts.Region
	if parent == nil {
		res, err := vmem.ReserveAligned(total, maxBlock)
		if err != nil {
			return nil, err
		}
		if parent, err = res.Whole(); err != nil {
			_ = res.Release()
			return nil, err
		}
		m.res = res
	} else if parent.Size() < total {
		return nil, errors.Wrapf(ErrInvalidSize, "region of %d bytes, tiers need %d", parent.Size(), total)
	}

	if err := m.build(cfg, parent, largeSize, mediumSize, smallSize, opts); err != nil {
		_ = m.Close()
		return nil, err
	}

	m.log.Debug("created", "reserved", total,
		"max_small", m.maxSmall, "max_medium", m.maxMedium, "max_large", m.maxLarge)
	return m, nil
}

func (m *MasterAllocator) build(cfg MasterConfig, parent *vmem.Region, largeSize, mediumSize, smallSize int, opts Options) error {
	lr, err := parent.Split(0, largeSize)
	if err != nil {
		return err
	}
	mr, err := parent.Split(largeSize, mediumSize)
	if err != nil {
		return err
	}
	sr, err := parent.Split(largeSize+mediumSize, smallSize)
	if err != nil {
		return err
	}

	if m.large, err = NewExponential(0, cfg.Large.BaseSize, cfg.Large.Order, opts.child(m.name+".large", lr)); err != nil {
		return errors.Wrap(err, "large tier")
	}
	if m.medium, err = NewTLSF(0, cfg.Medium.SecondLevelIndex, opts.child(m.name+".medium", mr)); err != nil {
		return errors.Wrap(err, "medium tier")
	}
	if m.small, err = NewSegregatedPool(0, cfg.Small.PageSize, cfg.Small.MinAllocationSize, cfg.Small.Classes,
		opts.child(m.name+".small", sr)); err != nil {
		return errors.Wrap(err, "small tier")
	}

	m.maxSmall = m.small.MaxAllocationSize()
	m.maxMedium = m.medium.MaxAllocationSize()
	if cfg.Medium.MaxSize > 0 {
		m.maxMedium = min(cfg.Medium.MaxSize, m.maxMedium)
	}
	m.maxLarge = m.large.MaxAllocationSize()
	if m.maxSmall >= m.maxMedium || m.maxMedium >= m.maxLarge {
		return errors.Wrapf(ErrInvalidSize, "thresholds must increase: small %d, medium %d, large %d",
			m.maxSmall, m.maxMedium, m.maxLarge)
	}
	return nil
}

// tierFor returns the tier serving requests of size bytes.
func (m *MasterAllocator) tierFor(size int) Instrumented {
	switch {
	case size <= m.maxSmall:
		return m.small
	case size <= m.maxMedium:
		return m.medium
	default:
		return m.large
	}
}

// Allocate routes size to the smallest tier that serves it.
func (m *MasterAllocator) Allocate(size int) ([]byte, error) {
	if err := validateRequest(size, m.maxLarge); err != nil {
		m.failures++
		return nil, err
	}
	return m.tierFor(size).Allocate(size)
}

// AllocateAligned routes by size rounded up to alignment when the alignment
// exceeds format.Granularity, so that the chosen tier can honor it.
func (m *MasterAllocator) AllocateAligned(size, alignment int) ([]byte, error) {
	if err := validateAlignment(alignment); err != nil {
		m.failures++
		return nil, err
	}
	if err := validateRequest(size, m.maxLarge); err != nil {
		m.failures++
		return nil, err
	}
	key := size
	if alignment > format.Granularity {
		key = format.AlignUp(size, alignment)
	}
	if key > m.maxLarge {
		m.failures++
		return nil, errors.Wrapf(ErrTooLarge, "%s: %d bytes aligned to %d", m.name, size, alignment)
	}
	return m.tierFor(key).AllocateAligned(size, alignment)
}

// Free returns b to the tier that owns it. Foreign slices panic.
func (m *MasterAllocator) Free(b []byte) {
	switch {
	case m.small.Owns(b):
		m.small.Free(b)
	case m.medium.Owns(b):
		m.medium.Free(b)
	case m.large.Owns(b):
		m.large.Free(b)
	default:
		check.Failf("%s: free of foreign pointer %#x", m.name, addrOf(b))
	}
}

// Owns reports whether any tier owns b.
func (m *MasterAllocator) Owns(b []byte) bool {
	return m.small.Owns(b) || m.medium.Owns(b) || m.large.Owns(b)
}

// MaxAllocationSize returns the large tier's maximum.
func (m *MasterAllocator) MaxAllocationSize() int { return m.maxLarge }

// Thresholds returns the largest request served by each tier.
func (m *MasterAllocator) Thresholds() (small, medium, large int) {
	return m.maxSmall, m.maxMedium, m.maxLarge
}

// Tiers returns the small, medium and large tiers in routing order.
func (m *MasterAllocator) Tiers() []Instrumented {
	return []Instrumented{m.small, m.medium, m.large}
}

// Medium returns the TLSF tier.
func (m *MasterAllocator) Medium() *TLSFAllocator { return m.medium }

// Trim releases the free tail of the medium tier.
func (m *MasterAllocator) Trim() int { return m.medium.Trim() }

// Name returns the allocator name.
func (m *MasterAllocator) Name() string { return m.name }

// CommitSize sums the tiers' committed bytes.
func (m *MasterAllocator) CommitSize() int {
	return m.small.CommitSize() + m.medium.CommitSize() + m.large.CommitSize()
}

// Stats sums the tiers' counters.
func (m *MasterAllocator) Stats() Stats {
	s := Stats{Name: m.name, Failures: m.failures}
	for _, t := range m.Tiers() {
		s.Add(t.Stats())
	}
	return s
}

// Close releases the reservation if the allocator owns it.
func (m *MasterAllocator) Close() error {
	if m.res == nil {
		return nil
	}
	return m.res.Release()
}
