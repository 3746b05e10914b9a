package main

import (
	"github.com/mjfuentes/amiga-sub003/internal/common/config"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
)

// provideEventBus selects the bus implementation from config: NATS when a URL
// is configured, the in-process bus otherwise. The returned cleanup closes the
// bus and any broker connection.
func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provided.Bus, cleanup, nil
}
