package bench

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestAggregate(t *testing.T) {
	sums := map[uint64]Summary{
		1: {Bytes: 10, AvgMBps: 11, PeakMBps: 12, GotFirst: true, FirstByte: 30 * time.Millisecond},
		3: {Bytes: 5, AvgMBps: 6, PeakMBps: 7, GotFirst: true, FirstByte: 10 * time.Millisecond},
		5: {Bytes: 0},
		7: {Bytes: 1, AvgMBps: 1, PeakMBps: 1, GotFirst: true, FirstByte: 10 * time.Millisecond},
	}
	want := AggregateSummary{
		Streams:        4,
		Bytes:          16,
		AvgMBps:        18,
		PeakMBps:       20,
		FirstByteOrder: []uint64{3, 7, 1},
	}
	if diff := cmp.Diff(want, Aggregate(sums)); diff != "" {
		t.Fatalf("aggregate mismatch (-want +got):\n%s", diff)
	}
}
