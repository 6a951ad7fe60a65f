package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/frahmantamala/puzzle-purchases/internal/core/events"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish sample purchase events through the event bus and, when enabled, Kafka.`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a sample purchase event",
	Long:  `Publish a sample purchase event for testing consumers. event-type is one of purchase.succeeded, purchase.requires_action or purchase.failed.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		publishTestEvent(args[0])
	},
}

var (
	eventUserID string
	eventAmount int64
)

func publishTestEvent(eventType string) {
	if !isPurchaseEventType(eventType) {
		fmt.Fprintf(os.Stderr, "unknown event type %q, expected one of %v\n", eventType, events.PurchaseEventTypes)
		os.Exit(1)
	}

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.LoggerWrapper()

	eventBus := events.NewEventBus(logger)
	eventBus.Subscribe(eventType, func(ctx context.Context, event events.Event) error {
		logger.Info("test handler received event",
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"payload", event.Payload())
		return nil
	})

	if config.Kafka.Enabled {
		writer := events.NewKafkaWriter(config.Kafka.Brokers, config.Kafka.Topic)
		defer writer.Close()
		events.NewKafkaForwarder(writer, logger).Register(eventBus)
	}

	status := map[string]string{
		events.EventTypePurchaseSucceeded:      "succeeded",
		events.EventTypePurchaseRequiresAction: "requires_action",
		events.EventTypePurchaseFailed:         "failed",
	}[eventType]

	testEvent := events.NewPurchaseEvent(eventType, events.PurchasePayload{
		PurchaseID: uuid.NewString(),
		UserID:     eventUserID,
		Amount:     eventAmount,
		Currency:   "USD",
		Status:     status,
	})

	logger.Info("publishing test event", "event_type", eventType, "event_id", testEvent.EventID())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eventBus.PublishSync(ctx, testEvent); err != nil {
		logger.Error("failed to publish event", "error", err)
		return
	}

	logger.Info("test event published successfully")
}

func isPurchaseEventType(eventType string) bool {
	for _, t := range events.PurchaseEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func init() {
	publishEventCmd.Flags().StringVar(&eventUserID, "user", "cli-user", "User id carried by the event")
	publishEventCmd.Flags().Int64Var(&eventAmount, "amount", 200, "Amount in minor units")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
