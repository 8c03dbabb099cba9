// Command inferenced serves the placeholder model over gRPC and HTTP so the
// relay's remote backends can be exercised without a real model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"camrelay/internal/inference"
	"camrelay/internal/log"
)

func main() {
	var (
		grpcF  = flag.String("grpc-addr", ":50051", "gRPC listen address, empty disables")
		httpF  = flag.String("http-addr", ":8001", "HTTP listen address, empty disables")
		delayF = flag.Duration("delay", 15*time.Millisecond, "Simulated inference time")
		confF  = flag.Float64("conf", 0.5, "Confidence threshold")
		masksF = flag.Bool("masks", false, "Emit segmentation masks")
		levelF = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log.Configure(log.Config{Level: *levelF, Service: "inferenced"})
	logger := log.WithComponent("main")

	backend := &inference.Placeholder{Delay: *delayF, ConfThreshold: float32(*confF), Masks: *masksF}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, *grpcF, *httpF, backend); err != nil {
		logger.Error().Err(err).Msg("inferenced failed")
		fmt.Fprintf(os.Stderr, "inferenced: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Msg("inferenced stopped")
}

func serve(ctx context.Context, grpcAddr, httpAddr string, backend inference.Backend) error {
	if grpcAddr == "" && httpAddr == "" {
		return errors.New("nothing to serve: both addresses are empty")
	}
	g, ctx := errgroup.WithContext(ctx)

	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return err
		}
		srv := grpc.NewServer()
		inference.RegisterServer(srv, backend)
		hs := health.NewServer()
		hs.SetServingStatus(inference.ServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(srv, hs)

		logger := log.WithComponent("grpc")
		g.Go(func() error {
			logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		})
	}

	if httpAddr != "" {
		srv := &http.Server{Addr: httpAddr, Handler: inference.NewHTTPHandler(backend), ReadHeaderTimeout: 10 * time.Second}
		logger := log.WithComponent("http")
		g.Go(func() error {
			logger.Info().Str("addr", httpAddr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
