package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/mux"
	"github.com/sheerbytes/muxsched/internal/scheduler"
)

func TestPrecedenceForFlat(t *testing.T) {
	for i := range 10 {
		p := precedenceFor(scheduler.KindPriority, i, nil)
		assert.True(t, p.IsFlat())
		assert.Equal(t, i%8, p.Priority())
	}
}

func TestPrecedenceForTree(t *testing.T) {
	opened := []scheduler.StreamID{1, 3, 5, 7}
	assert.Equal(t, scheduler.TreePrecedence(0, 16, false), precedenceFor(scheduler.KindHTTP2, 0, nil))
	assert.Equal(t, scheduler.TreePrecedence(1, 32, false), precedenceFor(scheduler.KindHTTP2, 1, opened))
	assert.Equal(t, scheduler.TreePrecedence(1, 48, false), precedenceFor(scheduler.KindHTTP2, 2, opened))
	assert.Equal(t, scheduler.TreePrecedence(3, 64, false), precedenceFor(scheduler.KindHTTP2, 3, opened))
	assert.Equal(t, scheduler.TreePrecedence(3, 16, false), precedenceFor(scheduler.KindHTTP2, 4, opened))
}

func TestSendDeliversEveryStream(t *testing.T) {
	for _, kind := range scheduler.Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			var wire bytes.Buffer
			sess, err := mux.NewSession(&wire, mux.Options{Scheduler: kind, FrameSize: 4096, Strict: true})
			require.NoError(t, err)

			cfg := config.SenderConfig{Streams: 5, StreamBytes: chunkSize + 100}
			streams, err := send(context.Background(), sess, kind, cfg)
			require.NoError(t, err)
			require.Len(t, streams, 5)
			require.NoError(t, sess.Close())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, sess.Run(ctx))

			rcv, err := mux.NewReceiver(kind, nil)
			require.NoError(t, err)
			require.NoError(t, mux.ReadFrames(ctx, &wire, rcv))
			sums := rcv.Summaries()
			require.Len(t, sums, 5)
			for _, st := range streams {
				assert.Equal(t, cfg.StreamBytes, st.Written())
				assert.Equal(t, cfg.StreamBytes, sums[uint64(st.ID())].Bytes)
			}
			assert.Zero(t, rcv.SchedulerStats().Violations)
		})
	}
}
