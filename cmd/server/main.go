package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/kcpu/internal/infrastructure/config"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/logging"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags override env
	port := flag.String("port", cfg.Server.Port, "HTTP port")
	grpcPort := flag.String("grpc-port", cfg.Server.GRPCPort, "gRPC health port (empty disables)")
	backend := flag.String("backend", cfg.Device.Backend, "device backend: sim or devmem")
	platform := flag.String("platform", cfg.Device.PlatformFile, "platform layout file (.toml or .yaml)")
	libDir := flag.String("library", cfg.Library.Dir, "kernel library directory")
	startup := flag.String("startup", cfg.Library.StartupKernel, "library kernel to start on boot")
	dev := flag.Bool("dev", cfg.Logging.Development, "development logging")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Server.GRPCPort = *grpcPort
	cfg.Device.Backend = *backend
	cfg.Device.PlatformFile = *platform
	cfg.Library.Dir = *libDir
	cfg.Library.StartupKernel = *startup
	cfg.Logging.Development = *dev
	if *dev && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewOrNop(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	srv, err := server.NewServer(cfg, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Boot(ctx); err != nil {
		// The API stays up so an operator can load a different kernel.
		logger.Error("Boot failed", zap.Error(err))
	}

	return srv.Run(ctx)
}
