package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gammadia/autogrid/server/api"
	"github.com/gammadia/autogrid/server/flags"
	"github.com/gammadia/autogrid/server/log"
	"github.com/gammadia/autogrid/server/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Cancelled by the signal handler, every component shuts down from there.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the scheduler, the HTTP server and the gRPC server.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("Autogrid server starting up...", "version", version, "commit", commit)

	g, err := createGrid()
	if err != nil {
		log.Error("Failed to create control plane", "error", err)
		os.Exit(1)
	}
	log.Info("Control plane created", "name", g.scheduler.Name(), "provisioner", viper.GetString(flags.Provisioner))

	httpListener, err := net.Listen("tcp", viper.GetString(flags.Listen))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}
	grpcListener, err := net.Listen("tcp", viper.GetString(flags.GrpcListen))
	if err != nil {
		log.Error("Failed to listen", "error", err)
		os.Exit(1)
	}

	setupInterrupts()

	// Metrics count scheduler events from their own subscription.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry, metrics.Sources{
		Runs:     g.runs,
		Nodes:    g.nodes,
		Fleet:    g.hub,
		Matcher:  g.matcher,
		Browsers: g.catalog.Names(),
	})
	go m.Listen(ctx, g.scheduler.Subscribe())

	wg.Add(1)
	g.scheduler.Start(ctx)
	go func() {
		<-ctx.Done()
		g.scheduler.Shutdown()
		g.scheduler.Wait()
		wg.Done()
	}()

	healthServer := health.NewServer()
	serveGrpc(grpcListener, healthServer)
	serveHttp(httpListener, g, registry)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

func serveHttp(listener net.Listener, g *grid, registry *prometheus.Registry) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(log.Requests(), gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	handler := &api.Handler{
		Admission: g.admission,
		Hub:       g.hub,
		Runs:      g.runs,
		Nodes:     g.nodes,
		Matcher:   g.matcher,
		Scheduler: g.scheduler,
		Logger:    log.Base.With("component", "api"),
		Version:   version,
	}
	handler.Register(router)

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("Failed to stop HTTP server", "error", err)
			}
		}()

		log.Info("HTTP API listening", "address", listener.Addr())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()
}

func serveGrpc(listener net.Listener, healthServer *health.Server) {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)

	wg.Add(1)
	go func() {
		go func() {
			<-ctx.Done()
			healthServer.Shutdown()
			s.GracefulStop()
		}()

		log.Info("gRPC health service listening", "address", listener.Addr())
		if err := s.Serve(listener); err != nil {
			log.Error("Failed to serve", "error", err)
			os.Exit(1)
		}
		wg.Done()
	}()
}

// setupInterrupts handles Ctrl+C (SIGINT) with a double-tap pattern:
// - First signal: calls cancel() which cascades shutdown through ctx.Done() to all goroutines
// - Second signal: forces immediate exit (in case graceful shutdown hangs)
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
