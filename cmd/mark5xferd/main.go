// Command mark5xferd is the daemon entry point: it opens a TCP listener
// for the VSI/S-style line protocol, owns one Runtime, wires the Transfer
// Supervisor, and installs signal handling for graceful shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jive-vlbi/mark5xfer/internal/blockdev"
	"github.com/jive-vlbi/mark5xfer/internal/headerfmt"
	"github.com/jive-vlbi/mark5xfer/internal/ioboard"
	"github.com/jive-vlbi/mark5xfer/internal/logging"
	"github.com/jive-vlbi/mark5xfer/internal/metricsexport"
	"github.com/jive-vlbi/mark5xfer/internal/protocol"
	"github.com/jive-vlbi/mark5xfer/internal/supervisor"

	mark5xfer "github.com/jive-vlbi/mark5xfer"
)

func main() {
	var (
		listenAddr  = flag.String("listen", ":2620", "address to listen on for the VSI/S-style protocol")
		bankSize    = flag.Int64("bank-size", 1<<30, "block device bank size in bytes")
		diskDir     = flag.String("disk-dir", "", "if set, back the block device with files under this directory instead of memory")
		format      = flag.String("format", "mark5b", "native header format: mark5b, mark4")
		framesize   = flag.Int("framesize", 10016, "frame size in bytes for the chosen format")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address under /metrics")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	hdr, err := buildFormat(*format, *framesize)
	if err != nil {
		logger.Error("invalid format", "error", err)
		os.Exit(1)
	}

	var dev blockdev.Device
	if *diskDir != "" {
		dev, err = blockdev.NewFileDevice(*diskDir, *bankSize)
		if err != nil {
			logger.Error("failed to open file-backed block device", "dir", *diskDir, "error", err)
			os.Exit(1)
		}
	} else {
		dev = blockdev.NewMemory(*bankSize)
	}
	fifo := blockdev.NewMemoryFIFO(512 << 20)
	board := ioboard.New()
	rt := supervisor.NewRuntime(dev, fifo, board, hdr)
	rt.Log = logger

	handler := protocol.NewHandler(rt)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("mark5xferd listening", "addr", *listenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, rt, logger)
	}

	go acceptLoop(ctx, ln, handler, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()
	_ = ln.Close()

	if rt.Mode() != mark5xfer.ModeNone {
		rt.Off()
	}

	time.Sleep(50 * time.Millisecond)
	os.Exit(0)
}

// serveMetrics runs the opt-in Prometheus exporter until the process exits;
// a listen failure is logged rather than fatal since metrics are enrichment
// on top of the native tstat? query, not load-bearing for the protocol.
func serveMetrics(addr string, rt *supervisor.Runtime, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsexport.Handler(rt.Stats))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "addr", addr, "error", err)
	}
}

// acceptLoop accepts connections until ctx is cancelled, running each
// connection's line protocol on its own goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, handler *protocol.Handler, logger *logging.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warn("accept failed", "error", err)
				return
			}
		}
		go serveConn(conn, handler, logger)
	}
}

// serveConn runs one connection's request/reply loop: one protocol line in,
// one reply line out line-oriented ASCII protocol.
func serveConn(conn net.Conn, handler *protocol.Handler, logger *logging.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reply := handler.Handle(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			logger.Warn("write reply failed", "error", err)
			return
		}
	}
}

func buildFormat(name string, framesize int) (headerfmt.Format, error) {
	switch name {
	case "mark5b":
		return headerfmt.NewMark5B(framesize)
	case "mark4":
		return headerfmt.NewMark4(framesize)
	default:
		return nil, fmt.Errorf("unknown format %q", name)
	}
}
