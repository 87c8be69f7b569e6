package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fushengyk/marketws/internal/config"
)

// Connect opens the NATS connection and JetStream context of the mirror
func Connect(cfg config.NATSConfig, name string, logger *zap.SugaredLogger) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[NATS] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[NATS] Reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates a NATS JetStream stream
func EnsureStream(js nats.JetStreamManager, name string, subjects []string, maxAge time.Duration, logger *zap.SugaredLogger) error {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		Replicas: 1,
		MaxAge:   maxAge,
		Discard:  nats.DiscardOld,
	}

	stream, err := js.StreamInfo(name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	if stream != nil {
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
		logger.Infof("[NATS] Updated stream: %s", name)
		return nil
	}

	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	logger.Infof("[NATS] Created stream: %s", name)
	return nil
}
