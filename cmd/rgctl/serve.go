package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gearsrt/runtime/internal/domain"
	"github.com/gearsrt/runtime/internal/gate"
	"github.com/gearsrt/runtime/internal/logging"
	"github.com/gearsrt/runtime/internal/metrics"
	"github.com/gearsrt/runtime/internal/notify"
	"github.com/gearsrt/runtime/internal/observability"
	"github.com/gearsrt/runtime/internal/rpcapi"
	"github.com/gearsrt/runtime/internal/stream"
)

// serveCmd runs the daemon: it restores every persisted library, starts the
// Invocation Gate, Notification Consumer, and Stream Consumer, and serves an
// HTTP API until a termination signal arrives. Wiring order is logging,
// tracing, metrics, storage, then the components that depend on them, then
// the servers.
func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(
					cfg.Observability.Metrics.Namespace,
					cfg.Observability.Metrics.HistogramBuckets,
				)
			}

			if cfg.Observability.Invocation.Path != "" {
				if err := logging.Invocations().SetOutput(cfg.Observability.Invocation.Path); err != nil {
					logging.Op().Warn("failed to open invocation log file", "error", err)
				}
			}

			startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
			rt, err := buildRuntime(startCtx, cfg)
			cancelStart()
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 60*time.Second)
			err = rt.registry.Restore(restoreCtx)
			cancelRestore()
			if err != nil {
				return fmt.Errorf("restore registry: %w", err)
			}

			g := gate.New(rt.registry, rt.sandbox, rt.policy, rt.async, rt.client)

			notifyMgr := notify.New(rt.client, rt.registry, rt.sandbox, rt.async, notify.Config{Channel: cfg.Notify.Channel})
			if err := notifyMgr.Start(context.Background()); err != nil {
				return fmt.Errorf("start notification consumer: %w", err)
			}
			rt.registry.SetNotifyStatus(notifyMgr)

			streamMgr := stream.New(rt.client, rt.registry, rt.sandbox, rt.async, rt.policy, stream.Config{PollInterval: cfg.Stream.PollInterval})
			streamMgr.Start(context.Background())
			rt.registry.SetStreamStatus(streamMgr)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = startHTTPServer(cfg.Daemon.HTTPAddr, g, rt)
				logging.Op().Info("http api started", "addr", cfg.Daemon.HTTPAddr)
			}

			var rpcServer *rpcapi.Server
			if cfg.GRPC.Enabled {
				rpcServer = rpcapi.NewServer(rt.registry, g)
				if err := rpcServer.Start(cfg.GRPC.Addr); err != nil {
					return fmt.Errorf("start gRPC control plane: %w", err)
				}
			}

			logging.Op().Info("runtime daemon started",
				"redis", cfg.Redis.Addr,
				"log_level", cfg.Daemon.LogLevel,
				"libraries", len(rt.registry.List(0)))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpServer != nil {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutCtx)
				shutCancel()
			}
			if rpcServer != nil {
				rpcServer.Stop()
			}
			streamMgr.Shutdown()
			notifyMgr.Shutdown()

			gateCtx, gateCancel := context.WithTimeout(context.Background(), 10*time.Second)
			g.Shutdown(gateCtx)
			gateCancel()

			return nil
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func startHTTPServer(addr string, g *gate.Gate, rt *runtimeDeps) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.client.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /debug/metrics", metrics.Global().JSONHandler())

	mux.HandleFunc("POST /call/{library}/{function}", func(w http.ResponseWriter, r *http.Request) {
		library := r.PathValue("library")
		function := r.PathValue("function")

		var args json.RawMessage
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
		} else {
			args = json.RawMessage("{}")
		}

		caller := domain.DefaultRole
		if v := r.Header.Get("X-RG-User"); v != "" {
			caller = domain.Role(v)
		}

		resp, err := g.Call(r.Context(), library, function, args, caller)
		w.Header().Set("Content-Type", "application/json")
		if err != nil && resp == nil {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(resp)
	})

	server := &http.Server{Addr: addr, Handler: observability.HTTPMiddleware(mux)}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()
	return server
}
