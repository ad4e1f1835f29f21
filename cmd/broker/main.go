package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"mqbus/internal/capacity"
	"mqbus/internal/config"
	"mqbus/internal/logging"
	"mqbus/internal/metrics"
	"mqbus/pkg/broker"
	"mqbus/pkg/packet"
	"mqbus/pkg/wire"
	"mqbus/pkg/workerpool"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides MQBUS_LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied container CPU quota")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = logging.LevelDebug
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.Print()

	mx := metrics.New()

	cores := capacity.CoreCount()
	threads := workerpool.NumThreadsFor(cfg.ThreadsPerCore, cores, cfg.CoreCountAdjustment)
	logger.Info().
		Int("cpu_cores", cores).
		Int("threads_per_core", cfg.ThreadsPerCore).
		Int("core_count_adjustment", cfg.CoreCountAdjustment).
		Int("worker_threads", threads).
		Msg("sizing worker pool")

	pool := packet.NewPool(cfg.PacketPoolInitialCount, cfg.PacketPoolInitialSize)
	work := workerpool.New(threads, logger)
	defer work.Stop()

	srv := broker.New(broker.Config{SendQueueDepth: 256}, pool, work, logger, mx)
	registerConventionalHandlers(srv, logger)

	if err := srv.StartListen(cfg.Addr); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("failed to start listening")
	}
	logger.Info().Str("addr", cfg.Addr).Msg("broker listening")

	httpSrv := startObservabilityServer(cfg.MetricsAddr, srv, pool, work, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("observability server shutdown error")
	}

	srv.StopListen()
	logger.Info().Msg("shutdown complete")
}

// registerConventionalHandlers wires the HELO/JOIN/QUIT codes the sample
// clients use, plus debug logging of CONNECT/DISCONNECT. The library itself does not enforce these codes;
// they are a convention a server built on pkg/broker is free to adopt.
func registerConventionalHandlers(srv *broker.Server, logger zerolog.Logger) {
	srv.OnEvent(broker.EventConnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		logger.Debug().Str("client", id.String()).Msg("client connected")
	})
	srv.OnEvent(broker.EventDisconnect, func(s *broker.Server, kind broker.EventKind, id wire.Identifier) {
		logger.Debug().Str("client", id.String()).Msg("client disconnected")
	})

	// HELO -> HIYA, addressed to the sender's own singleton channel so
	// only the requester receives the reply.
	srv.OnPacket(wire.CodeHELO, func(s *broker.Server, pkt *packet.Packet) bool {
		reply := s.NewPacket()
		reply.SetCode(wire.CodeHIYA)
		reply.SetChannel(pkt.Sender())
		s.Send(reply)
		return true
	})

	// JOIN subscribes the sender to the channel named in the packet.
	srv.OnPacket(wire.CodeJOIN, func(s *broker.Server, pkt *packet.Packet) bool {
		return s.Subscribe(pkt.Channel(), pkt.Sender())
	})

	// QUIT unsubscribes the sender from the channel named in the packet.
	srv.OnPacket(wire.CodeQUIT, func(s *broker.Server, pkt *packet.Packet) bool {
		s.Unsubscribe(pkt.Channel(), pkt.Sender())
		return true
	})
}

// startObservabilityServer mounts /metrics and /healthz and starts serving
// in the background; the caller is responsible for calling Shutdown.
func startObservabilityServer(addr string, srv *broker.Server, pool *packet.Pool, work *workerpool.Pool, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap, _ := capacity.Read(r.Context())
		body := struct {
			Status      string           `json:"status"`
			Connections int              `json:"connections"`
			Channels    int              `json:"channels"`
			WorkerQueue int              `json:"worker_threads"`
			PoolIdle    int              `json:"packet_pool_idle"`
			Resources   capacity.Snapshot `json:"resources"`
		}{
			Status:      "ok",
			Connections: srv.ConnectionCount(),
			Channels:    srv.ChannelCount(),
			WorkerQueue: work.NumThreads(),
			PoolIdle:    pool.Idle(),
			Resources:   snap,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server failed")
		}
	}()
	return httpSrv
}
