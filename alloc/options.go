package alloc

import (
	"log/slog"

	"github.com/joshuapare/tieralloc/internal/logger"
	"github.com/joshuapare/tieralloc/vmem"
)

// Options holds the settings shared by every allocator constructor.
type Options struct {
	// Name identifies the allocator in logs, stats and metrics.
	// Default: the allocator kind, e.g. "tlsf".
	Name string

	// Region, when set, is managed instead of a fresh reservation. The
	// capacity argument of the constructor is then ignored and the allocator
	// does not release the region on Close. Regions handed to different
	// allocators must not overlap.
	Region *vmem.Region

	// Logger receives debug records for construction, growth and exhaustion.
	// Default: discard.
	Logger *slog.Logger
}

func (o Options) name(kind string) string {
	if o.Name == "" {
		return kind
	}
	return o.Name
}

func (o Options) logger(name string) *slog.Logger {
	return logger.OrDiscard(o.Logger).With("allocator", name)
}

// child returns options for a sub-allocator managing region.
func (o Options) child(name string, region *vmem.Region) Options {
	return Options{Name: name, Region: region, Logger: o.Logger}
}
