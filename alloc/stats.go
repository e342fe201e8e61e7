package alloc

// Stats is a snapshot of allocator counters.
type Stats struct {
	Name             string
	ReservedBytes    int   // Size of the managed range
	CommittedBytes   int   // Bytes currently backed by physical pages
	AllocCalls       int   // Successful Allocate and AllocateAligned calls
	FreeCalls        int   // Free calls
	Failures         int   // Allocate calls that returned an error
	LiveAllocations  int   // AllocCalls - FreeCalls
	BytesAllocated   int64 // Bytes handed out, including rounding
	BytesFreed       int64 // Bytes returned
	GrowCalls        int   // Times fresh memory was taken from the arena
	SplitCount       int   // Block splits
	CoalesceForward  int   // Merges with the following block
	CoalesceBackward int   // Merges with the preceding block
}

// Add accumulates o into s. Name is left untouched.
func (s *Stats) Add(o Stats) {
	s.ReservedBytes += o.ReservedBytes
	s.CommittedBytes += o.CommittedBytes
	s.AllocCalls += o.AllocCalls
	s.FreeCalls += o.FreeCalls
	s.Failures += o.Failures
	s.LiveAllocations += o.LiveAllocations
	s.BytesAllocated += o.BytesAllocated
	s.BytesFreed += o.BytesFreed
	s.GrowCalls += o.GrowCalls
	s.SplitCount += o.SplitCount
	s.CoalesceForward += o.CoalesceForward
	s.CoalesceBackward += o.CoalesceBackward
}

func (s *Stats) recordAlloc(n int) {
	s.AllocCalls++
	s.LiveAllocations++
	s.BytesAllocated += int64(n)
}

func (s *Stats) recordFree(n int) {
	s.FreeCalls++
	s.LiveAllocations--
	s.BytesFreed += int64(n)
}
