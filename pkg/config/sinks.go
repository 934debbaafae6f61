package config

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Colony/internal/nats"
	"github.com/wehubfusion/Colony/pkg/bus"
	"github.com/wehubfusion/Colony/pkg/flow"
	"github.com/wehubfusion/Colony/pkg/statestore"
	"github.com/wehubfusion/Colony/pkg/storage"
)

// Sinks holds the state store and message bus opened from configuration.
// Either may be nil.
type Sinks struct {
	Store flow.StateStore
	Bus   flow.MessageBus

	closers []func() error
}

// Options returns the flow options attaching the opened sinks
func (s *Sinks) Options() []flow.Option {
	var opts []flow.Option
	if s.Store != nil {
		opts = append(opts, flow.WithStateStore(s.Store))
	}
	if s.Bus != nil {
		opts = append(opts, flow.WithMessageBus(s.Bus))
	}
	return opts
}

// Close releases every sink, in reverse order of opening
func (s *Sinks) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// OpenSinks opens the configured state store and, when enabled, connects to
// NATS and prepares the JetStream bus.
func (c *Config) OpenSinks(ctx context.Context, logger *zap.Logger) (*Sinks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sinks{}

	switch c.State.Driver {
	case DriverNone, "":
	case DriverMemory:
		s.Store = statestore.NewMemoryStore()
	case DriverSQLite:
		store, err := statestore.Open(c.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.Store = store
		s.closers = append(s.closers, store.Close)
	case DriverAzBlob:
		client, err := storage.NewAzureBlobClient(c.State.AzureConnectionString, c.State.AzureContainer, logger)
		if err != nil {
			return nil, fmt.Errorf("open blob state store: %w", err)
		}
		s.Store = statestore.NewBlobStore(client, c.State.Prefix)
	default:
		return nil, fmt.Errorf("unknown state driver %q", c.State.Driver)
	}

	if c.NATS.Enabled {
		conn, err := natsconn.Connect(ctx, &c.NATS.Connection, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() error { return natsconn.Close(conn) })

		js, err := conn.JetStream()
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open jetstream: %w", err)
		}
		b, err := bus.New(bus.WrapJetStream(js), c.NATS.Bus, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Bus = b
	}

	logger.Info("Sinks opened",
		zap.String("state_driver", c.State.Driver),
		zap.Bool("nats", c.NATS.Enabled))
	return s, nil
}
