package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sheerbytes/muxsched/internal/bench"
	"github.com/sheerbytes/muxsched/internal/config"
	"github.com/sheerbytes/muxsched/internal/logging"
	"github.com/sheerbytes/muxsched/internal/mux"
	"github.com/sheerbytes/muxsched/internal/quictransport"
	"github.com/sheerbytes/muxsched/internal/scheduler"
	"github.com/sheerbytes/muxsched/internal/wstransport"
)

const serverVersion = "v0.1.0"

// muxConn is the byte stream both transports hand out.
type muxConn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, serverVersion)
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "muxd:", err)
		os.Exit(2)
	}
	logger := logging.NewWithWriter(os.Stderr, "muxd", cfg.LogLevel, cfg.LogFormat)
	kind, err := scheduler.ParseKind(cfg.Scheduler)
	if err != nil {
		logger.Error("invalid scheduler", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.QUICAddr != "" {
		ln, err := quictransport.Listen(cfg.QUICAddr, logger)
		if err != nil {
			logger.Error("failed to start QUIC listener", "error", err)
			os.Exit(1)
		}
		defer ln.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptQUIC(ctx, ln, kind, logger)
		}()
	}

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           newHTTPHandler(ctx, kind, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("websocket listener started", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
				stop()
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}

func acceptQUIC(ctx context.Context, ln *quictransport.Listener, kind scheduler.Kind, logger *slog.Logger) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("QUIC accept failed", "error", err)
			continue
		}
		go serveConn(ctx, conn, "quic", kind, logger)
	}
}

func newHTTPHandler(ctx context.Context, kind scheduler.Kind, logger *slog.Logger) http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	router.HandleFunc("/mux", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wstransport.Upgrade(w, r, logger)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
			return
		}
		serveConn(ctx, conn, "ws", kind, logger)
	})
	return router
}

// serveConn reads one mux connection to the end and logs what arrived.
func serveConn(ctx context.Context, conn muxConn, transport string, kind scheduler.Kind, logger *slog.Logger) {
	logger = logger.With("transport", transport, "remote_addr", conn.RemoteAddr().String())
	rcv, err := mux.NewReceiver(kind, logger)
	if err != nil {
		logger.Error("failed to create receiver", "error", err)
		_ = conn.Close()
		return
	}

	// Closing the connection is the only way to interrupt a blocked read.
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	start := time.Now()
	err = mux.ReadFrames(ctx, conn, rcv)
	if stopClose() {
		_ = conn.Close()
	}
	if err != nil && ctx.Err() == nil {
		logger.Warn("connection ended with error", "error", err)
	}

	agg := bench.Aggregate(rcv.Summaries())
	stats := rcv.SchedulerStats()
	logger.Info("connection finished",
		"elapsed", time.Since(start),
		"streams", agg.Streams,
		"open_streams", rcv.OpenStreams(),
		"bytes", agg.Bytes,
		"avg_mbps_sum", agg.AvgMBps,
		"first_byte_order", agg.FirstByteOrder,
		"unknown_parents", stats.UnknownParents,
		"violations", stats.Violations,
	)
	if rcv.OpenStreams() > 0 {
		logger.Debug("unfinished streams", "scheduler", rcv.DebugString())
	}
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: muxd [--config FILE] [--quic-addr ADDR] [--http-addr ADDR] [--scheduler KIND]")
	fmt.Fprintln(os.Stderr, "  --config FILE       YAML configuration file")
	fmt.Fprintln(os.Stderr, "  --quic-addr ADDR    QUIC listen address (default :4433, empty disables)")
	fmt.Fprintln(os.Stderr, "  --http-addr ADDR    websocket listen address, path /mux (default :8080, empty disables)")
	fmt.Fprintln(os.Stderr, "  --scheduler KIND    strategy mirroring peer streams: fifo, lifo, priority, http2 (default http2)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL   debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --log-format FMT    text or json (default text)")
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
