package quicore

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Default transport parameter values, per spec §6 (the values the original
// C++ core hands to ngtcp2_settings/ngtcp2_transport_params when the
// application does not override them).
const (
	DefaultInitialMaxData         = 1 << 20  // 1 MiB
	DefaultInitialMaxStreamData   = 128 << 10 // 128 KiB
	DefaultInitialMaxStreamsBidi  = 3
	DefaultInitialMaxStreamsUni   = 3
	DefaultActiveConnectionIDLimit = 7
	DefaultMaxIdleTimeout         = 30 * time.Second
	DefaultCIDLength              = 8
)

// MaxCIDLength is the largest connection id RFC 9000 permits.
const MaxCIDLength = 20

// Parameters mirrors the QUIC transport parameters this core cares about
// when constructing an Engine: everything else (ack delay exponent, max
// udp payload size, etc.) is the engine's own concern and is not modeled
// here, matching spec §6's "only forwards what the core itself must know
// to size buffers and stream credit".
type Parameters struct {
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64
	ActiveConnectionIDLimit        uint64
	MaxIdleTimeout                 time.Duration
}

// DefaultParameters returns the spec §6 baseline transport parameters.
func DefaultParameters() Parameters {
	return Parameters{
		InitialMaxData:                 DefaultInitialMaxData,
		InitialMaxStreamDataBidiLocal:  DefaultInitialMaxStreamData,
		InitialMaxStreamDataBidiRemote: DefaultInitialMaxStreamData,
		InitialMaxStreamDataUni:        DefaultInitialMaxStreamData,
		InitialMaxStreamsBidi:          DefaultInitialMaxStreamsBidi,
		InitialMaxStreamsUni:           DefaultInitialMaxStreamsUni,
		ActiveConnectionIDLimit:        DefaultActiveConnectionIDLimit,
		MaxIdleTimeout:                 DefaultMaxIdleTimeout,
	}
}

// Configuration is the endpoint-wide, immutable-after-construction bundle a
// Dispatcher and every Connection it manages share: transport parameters,
// the CID length policy, the stateless-reset static secret, and the engine
// factory. Grounded on the teacher's config.go, generalized so its static
// secret is handed to Engine.GenerateStatelessResetToken to derive
// stateless-reset tokens rather than the teacher's own reset-token scheme.
type Configuration struct {
	Params       Parameters
	CIDLength    int
	StaticSecret [32]byte
	Factory      EngineFactory
	Logger       Logger
}

// NewConfiguration builds a Configuration with spec §6 defaults, a freshly
// generated static secret, and a no-op Logger. The caller supplies the
// EngineFactory since this core never constructs one itself.
func NewConfiguration(factory EngineFactory) (*Configuration, error) {
	cfg := &Configuration{
		Params:    DefaultParameters(),
		CIDLength: DefaultCIDLength,
		Factory:   factory,
		Logger:    noopLogger{},
	}
	if _, err := rand.Read(cfg.StaticSecret[:]); err != nil {
		return nil, fmt.Errorf("quicore: generate static secret: %w", err)
	}
	return cfg, nil
}

// SetLogger installs a structured Logger, replacing the no-op default.
func (c *Configuration) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	c.Logger = l
}
