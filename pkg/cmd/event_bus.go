package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/leaseloop/leasesync/pkg/channels/gochannel"
	"github.com/leaseloop/leasesync/pkg/channels/kafka"
	"github.com/leaseloop/leasesync/pkg/eventbus"
)

// NewEventBus creates the domain event bus. Kafka is used in production;
// the in-process go channel transport serves local development and tests.
func NewEventBus(provider, kafkaBrokers, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafkaBrokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil

	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil

	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
