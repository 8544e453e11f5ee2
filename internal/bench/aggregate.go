package bench

import (
	"cmp"
	"slices"
	"time"
)

type AggregateSummary struct {
	Streams  int
	Bytes    int64
	AvgMBps  float64
	PeakMBps float64
	// FirstByteOrder lists stream ids by time to first byte, earliest first.
	// Under a priority scheduler higher-precedence streams lead.
	FirstByteOrder []uint64
}

func Aggregate(sums map[uint64]Summary) AggregateSummary {
	var agg AggregateSummary
	type first struct {
		id uint64
		at time.Duration
	}
	var firsts []first
	for id, s := range sums {
		agg.Streams++
		agg.Bytes += s.Bytes
		agg.AvgMBps += s.AvgMBps
		agg.PeakMBps += s.PeakMBps
		if s.GotFirst {
			firsts = append(firsts, first{id: id, at: s.FirstByte})
		}
	}
	slices.SortFunc(firsts, func(a, b first) int {
		if c := cmp.Compare(a.at, b.at); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for _, f := range firsts {
		agg.FirstByteOrder = append(agg.FirstByteOrder, f.id)
	}
	return agg
}
