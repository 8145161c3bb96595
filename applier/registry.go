package applier

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tejeswarp/tungsten-replicator/cfg"
	"github.com/tejeswarp/tungsten-replicator/pipeline"
)

// Factory builds an applier from its configuration block.
type Factory func(config cfg.ApplierConfiguration) (pipeline.Applier, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register associates an applier type name with a factory.
func Register(applierType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[applierType] = factory
}

// New builds an applier by its configured type.
func New(config cfg.ApplierConfiguration) (pipeline.Applier, error) {
	factoryMu.RLock()
	factory, ok := factories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown applier type: %s", config.Type)
	}
	a, err := factory(config)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("applier", config.Name).
		Str("type", config.Type).
		Msg("Created applier")
	return a, nil
}
