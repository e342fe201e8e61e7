package vmem

import "math/bits"

// Span is a committed byte interval relative to the start of a reservation.
type Span struct {
	Off int // Offset from the reservation base
	Len int // Length in bytes
}

// pageSet is a bitmap with one bit per page of a reservation.
type pageSet struct {
	words []uint64
	count int
}

func newPageSet(pages int) pageSet {
	return pageSet{words: make([]uint64, (pages+63)/64)}
}

func (s *pageSet) has(page int) bool {
	return s.words[page>>6]&(1<<(page&63)) != 0
}

// set marks pages [first, first+n) and returns how many were newly marked.
func (s *pageSet) set(first, n int) int {
	added := 0
	for p := first; p < first+n; p++ {
		w, m := p>>6, uint64(1)<<(p&63)
		if s.words[w]&m == 0 {
			s.words[w] |= m
			added++
		}
	}
	s.count += added
	return added
}

// clear unmarks pages [first, first+n) and returns how many were marked.
func (s *pageSet) clear(first, n int) int {
	removed := 0
	for p := first; p < first+n; p++ {
		w, m := p>>6, uint64(1)<<(p&63)
		if s.words[w]&m != 0 {
			s.words[w] &^= m
			removed++
		}
	}
	s.count -= removed
	return removed
}

// spans returns the marked pages merged into sorted, non-adjacent byte spans.
func (s *pageSet) spans(pageSize int) []Span {
	var merged []Span
	for w, word := range s.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit
			off := (w*64 + bit) * pageSize

			// Extend the current span when this page is adjacent to it
			if n := len(merged); n > 0 && merged[n-1].Off+merged[n-1].Len == off {
				merged[n-1].Len += pageSize
				continue
			}
			merged = append(merged, Span{Off: off, Len: pageSize})
		}
	}
	return merged
}
