package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/logging"
	"github.com/sheerbytes/muxsched/internal/mux"
	"github.com/sheerbytes/muxsched/internal/quictransport"
	"github.com/sheerbytes/muxsched/internal/scheduler"
	"github.com/sheerbytes/muxsched/internal/wstransport"
)

const (
	clientVersion = "v0.1.0"
	chunkSize     = 64 * 1024
	highWater     = 8 * 1024 * 1024
)

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printSenderUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, clientVersion)
		return
	}
	cfg, err := config.ParseSenderConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "muxsend:", err)
		os.Exit(2)
	}
	logger := logging.NewWithWriter(os.Stderr, "muxsend", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("send failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) error {
	kind, err := scheduler.ParseKind(cfg.Scheduler)
	if err != nil {
		return err
	}
	conn, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess, err := mux.NewSession(conn, mux.Options{
		Scheduler: kind,
		FrameSize: cfg.FrameSize,
		RateBytes: cfg.RateBytes,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger = logger.With("session", sess.ID())

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	start := time.Now()
	streams, err := send(ctx, sess, kind, cfg)
	if err != nil {
		_ = sess.Close()
		return err
	}
	if err := sess.Close(); err != nil {
		return err
	}
	if err := <-runErr; err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total int64
	for _, st := range streams {
		total += st.Written()
		logger.Debug("stream sent", "stream_id", st.ID(), "bytes", st.Written(), "preempted", st.Preempted())
	}
	stats := sess.SchedulerStats()
	logger.Info("send complete",
		"scheduler", kind,
		"streams", len(streams),
		"bytes", total,
		"elapsed", elapsed,
		"mbps", float64(total)/max(elapsed.Seconds(), 0.001)/(1024*1024),
		"violations", stats.Violations,
	)
	return nil
}

func dial(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) (io.ReadWriteCloser, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if cfg.Transport == config.TransportWS {
		conn, err := wstransport.Dial(dialCtx, cfg.Addr, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := quictransport.Dial(dialCtx, cfg.Addr, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// send opens the configured streams and feeds them in rounds of one chunk
// per stream, so the scheduler always has competing ready streams.
func send(ctx context.Context, sess *mux.Session, kind scheduler.Kind, cfg config.SenderConfig) ([]*mux.Stream, error) {
	streams := make([]*mux.Stream, 0, cfg.Streams)
	ids := make([]scheduler.StreamID, 0, cfg.Streams)
	for i := range cfg.Streams {
		st, err := sess.OpenStream(precedenceFor(kind, i, ids))
		if err != nil {
			return streams, err
		}
		streams = append(streams, st)
		ids = append(ids, st.ID())
	}

	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	remaining := make([]int64, len(streams))
	for i := range remaining {
		remaining[i] = cfg.StreamBytes
	}

	for {
		active := 0
		buffered := 0
		for i, st := range streams {
			if remaining[i] == 0 {
				continue
			}
			n := min(remaining[i], int64(len(chunk)))
			if _, err := st.Write(chunk[:n]); err != nil {
				return streams, fmt.Errorf("stream %d: %w", st.ID(), err)
			}
			remaining[i] -= n
			if remaining[i] == 0 {
				_ = st.Close()
			} else {
				active++
			}
			buffered += st.Buffered()
		}
		if active == 0 {
			return streams, nil
		}
		if buffered > highWater {
			if err := sess.Flush(ctx); err != nil {
				return streams, err
			}
		}
	}
}

// precedenceFor gives stream i a precedence. Flat strategies cycle through
// the priority levels; the tree strategy builds a binary dependency tree
// with varying weights over the streams opened so far.
func precedenceFor(kind scheduler.Kind, i int, opened []scheduler.StreamID) scheduler.Precedence {
	if !kind.UsesTree() {
		return scheduler.FlatPrecedence(i % (scheduler.LowestPriority + 1))
	}
	parent := scheduler.RootStreamID
	if i > 0 {
		parent = opened[(i-1)/2]
	}
	return scheduler.TreePrecedence(parent, scheduler.DefaultWeight*(1+i%4), false)
}

func printSenderUsage() {
	fmt.Fprintln(os.Stderr, "usage: muxsend [--config FILE] [--transport quic|ws] [--addr ADDR] [--streams N]")
	fmt.Fprintln(os.Stderr, "  --config FILE        YAML configuration file")
	fmt.Fprintln(os.Stderr, "  --transport T        quic or ws (default quic)")
	fmt.Fprintln(os.Stderr, "  --addr ADDR          host:port for quic, ws://host:port/mux for ws (default localhost:4433)")
	fmt.Fprintln(os.Stderr, "  --scheduler KIND     fifo, lifo, priority, http2 (default http2)")
	fmt.Fprintln(os.Stderr, "  --streams N          logical streams to open (default 8)")
	fmt.Fprintln(os.Stderr, "  --stream-bytes N     bytes per stream (default 1048576)")
	fmt.Fprintln(os.Stderr, "  --frame-size N       max DATA frame payload (default 16384)")
	fmt.Fprintln(os.Stderr, "  --rate N             pacing in bytes/s, 0 disables (default 0)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL    debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --log-format FMT     text or json (default text)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
