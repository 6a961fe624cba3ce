package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}
	logger.Info("activity recorder starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	activityTable := os.Getenv("ACTIVITY_TABLE")
	if connStr == "" || eventsQueue == "" || activityTable == "" {
		logger.Fatal("missing storage config")
	}

	activity, err := storage.NewActivityLog(connStr, activityTable)
	if err != nil {
		logger.Fatalf("activity table: %v", err)
	}
	consumer, err := storage.NewQueueConsumer(connStr, eventsQueue, logger)
	if err != nil {
		logger.Fatalf("events queue: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := consumer.Run(ctx, activity.Record); err != nil {
		logger.Fatalf("consume: %v", err)
	}
	logger.Info("activity recorder stopped")
}
