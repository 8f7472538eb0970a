// Command processqueue performs a single queue pass and prints its stats as
// JSON. It exits non-zero when the pass could not run, which makes it usable
// from an external cron.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Printf("failed to bootstrap application: %v", err)
		return 1
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-processqueue")
	if err != nil {
		log.Printf("failed to initialize telemetry: %v", err)
		return 1
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, cancelRun := context.WithTimeout(ctx, container.Config.Scheduler.RunTimeout)
	defer cancelRun()

	stats, err := container.Processor().ProcessQueue(ctx)
	if err != nil {
		log.Printf("queue run failed: %v", err)
		return 1
	}

	if err := json.NewEncoder(os.Stdout).Encode(stats); err != nil {
		log.Printf("write stats: %v", err)
		return 1
	}
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
