package engine

import (
	"fmt"

	"github.com/maeumlabs/kotts-bridge/internal/config"
)

// New builds an engine from its config entry. This is the compiled-in factory
// table behind registry discovery: adding a backend means adding a case here
// and an implementation of Engine, nothing in the registry changes.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockEngine(cfg), nil
	case "exec":
		return NewExecEngine(cfg)
	case "remote":
		return NewRemoteEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
