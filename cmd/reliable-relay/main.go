// Command reliable-relay publishes outbox rows to RabbitMQ and records
// inbound RabbitMQ messages in the inbox, over PostgreSQL or MongoDB.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/lib-reliable/reliable/config"
	"github.com/LerianStudio/lib-reliable/reliable/log"
	libZap "github.com/LerianStudio/lib-reliable/reliable/zap"
)

func main() {
	cfg, err := config.Load(".env", "config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := libZap.New(cfg.ZapConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Log(context.Background(), log.LevelError, "relay failed", log.Err(err))

		code = 1
	}

	_ = logger.Sync(context.Background())

	os.Exit(code)
}

func run(cfg *config.Config, logger log.Logger) error {
	r, err := build(context.Background(), cfg, logger)
	if err != nil {
		r.shutdown()

		return err
	}

	return r.run()
}
