package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otlpxy/portforward/internal/config"
	"github.com/otlpxy/portforward/internal/controlplane"
	"github.com/otlpxy/portforward/internal/geo"
	"github.com/otlpxy/portforward/internal/logging"
	"github.com/otlpxy/portforward/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the forwarder's TOML configuration file")
	flag.Parse()

	log := logging.New(logging.Info)

	settings, err := config.Load(*configPath)
	if err != nil {
		logging.Criticalf(log, "failed to load configuration: %v", err)
	}

	var geoLookup *geo.Lookup
	if settings.GeoRulesFile != "" {
		geoLookup, err = geo.LoadFile(settings.GeoRulesFile, 5*time.Minute, 4096)
		if err != nil {
			logging.Criticalf(log, "failed to load geo rules file: %v", err)
		}
	}

	orch := orchestrator.New(log, geoLookup)
	if err := orch.Init(settings.Endpoints); err != nil {
		logging.Criticalf(log, "failed to initialize orchestrator: %v", err)
	}

	cp := controlplane.New(log, orch)
	if err := cp.Start(fmt.Sprintf(":%d", settings.ControlPlanePort)); err != nil {
		logging.Criticalf(log, "failed to start control plane: %v", err)
	}

	if err := orch.Start(); err != nil {
		logging.Criticalf(log, "failed to start forwarder: %v", err)
	}
	logging.Infof(log, "portforward ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logging.Infof(log, "shutdown signal received, draining")
	cp.MarkNotReady()
	time.Sleep(settings.ShutdownDrain)

	if err := orch.Stop(settings.ShutdownTimeout); err != nil {
		logging.Errorf(log, "stop completed with errors: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	if err := cp.Stop(shutdownCtx); err != nil {
		logging.Errorf(log, "control plane shutdown error: %v", err)
	}

	logging.Infof(log, "portforward stopped")
}
