// Package broker provides venue adapters behind the ports.Broker
// interface and a registry to construct them by name.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/ports"
)

// Config carries every knob a registered broker may need. Brokers read
// the fields relevant to them and ignore the rest.
type Config struct {
	// Paper simulation.
	InitialCapital float64
	Commission     float64
	Slippage       float64
	MarketImpact   float64

	// Venue transport.
	BaseURL            string
	APIKey             string
	APISecret          string
	AccessToken        string
	MinRequestInterval time.Duration
}

// Factory builds a broker from its configuration.
type Factory func(cfg Config) (ports.Broker, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a broker constructor available under a name.
// Implementations call this from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named broker.
func New(name string, cfg Config) (ports.Broker, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker.New: unknown broker %q", name)
	}
	return f(cfg)
}

// Names lists the registered broker names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}
