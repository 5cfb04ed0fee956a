package pool

import (
	"context"
	"strconv"
	"time"

	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/dserrors"
)

// ConnectFunc establishes one physical connection. The lifecycle
// controller wires a driver resolver in here.
type ConnectFunc func(ctx context.Context) (driver.Conn, error)

// Well-known pool property keys accepted by ParseProperties.
const (
	PropName                        = "name"
	PropURL                         = "url"
	PropUsername                    = "username"
	PropPassword                    = "password"
	PropInitialSize                 = "initialSize"
	PropMaxActive                   = "maxActive"
	PropMaxIdle                     = "maxIdle"
	PropMinIdle                     = "minIdle"
	PropMaxWait                     = "maxWait"
	PropTestOnBorrow                = "testOnBorrow"
	PropDefaultAutoCommit           = "defaultAutoCommit"
	PropDefaultReadOnly             = "defaultReadOnly"
	PropDefaultTransactionIsolation = "defaultTransactionIsolation"
	PropMetricsEnabled              = "metricsEnabled"
)

// DefaultMaxActive is the connection cap applied when none is configured.
const DefaultMaxActive = 8

// DefaultMaxWait bounds how long a borrower waits for a free connection
// when none is configured.
const DefaultMaxWait = 30 * time.Second

// Recognized transaction isolation levels.
var isolationLevels = map[string]struct{}{
	"NONE":             {},
	"READ_UNCOMMITTED": {},
	"READ_COMMITTED":   {},
	"REPEATABLE_READ":  {},
	"SERIALIZABLE":     {},
}

// Config holds the typed configuration of one connection pool.
type Config struct {
	// Name identifies the pool; it doubles as the published service identity.
	Name string

	// Connection settings
	URL      string
	Username string
	Password string

	// Sizing. MaxActive caps total open connections (borrowed plus idle);
	// MaxIdle caps how many returned connections are kept; MinIdle is the
	// floor used for the initial fill.
	InitialSize int
	MaxActive   int
	MaxIdle     int
	MinIdle     int

	// MaxWait bounds how long Borrow blocks when the pool is at capacity.
	MaxWait time.Duration

	// TestOnBorrow validates idle connections with a ping before handing
	// them out.
	TestOnBorrow bool

	// Session defaults. Nil means "let the driver choose" (the "default"
	// sentinel in raw configuration normalizes to nil here).
	DefaultAutoCommit           *bool
	DefaultReadOnly             *bool
	DefaultTransactionIsolation string

	// MetricsEnabled controls whether pool statistics are published to the
	// monitoring registry.
	MetricsEnabled bool

	// Extra carries unrecognized free-form properties verbatim.
	Extra map[string]string

	// Connect is injected by the supervisor; the pool invokes it once per
	// physical connection it creates.
	Connect ConnectFunc
}

// ParseProperties maps a flat string property set onto a typed Config.
// Unknown keys are preserved in Extra rather than rejected.
func ParseProperties(props map[string]string) (*Config, error) {
	cfg := &Config{
		MaxActive:      DefaultMaxActive,
		MaxIdle:        -1, // resolved against MaxActive below
		MaxWait:        DefaultMaxWait,
		MetricsEnabled: true,
	}

	for key, value := range props {
		switch key {
		case PropName:
			cfg.Name = value
		case PropURL:
			cfg.URL = value
		case PropUsername:
			cfg.Username = value
		case PropPassword:
			cfg.Password = value
		case PropInitialSize:
			n, err := parseIntProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.InitialSize = n
		case PropMaxActive:
			n, err := parseIntProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.MaxActive = n
		case PropMaxIdle:
			n, err := parseIntProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.MaxIdle = n
		case PropMinIdle:
			n, err := parseIntProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.MinIdle = n
		case PropMaxWait:
			ms, err := parseIntProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.MaxWait = time.Duration(ms) * time.Millisecond
		case PropTestOnBorrow:
			b, err := parseBoolProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.TestOnBorrow = b
		case PropDefaultAutoCommit:
			b, err := parseBoolProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.DefaultAutoCommit = &b
		case PropDefaultReadOnly:
			b, err := parseBoolProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.DefaultReadOnly = &b
		case PropDefaultTransactionIsolation:
			if _, ok := isolationLevels[value]; !ok {
				return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
					"unknown transaction isolation level %q", value)
			}
			cfg.DefaultTransactionIsolation = value
		case PropMetricsEnabled:
			b, err := parseBoolProp(key, value)
			if err != nil {
				return nil, err
			}
			cfg.MetricsEnabled = b
		default:
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]string)
			}
			cfg.Extra[key] = value
		}
	}

	if cfg.URL == "" {
		return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "pool property [%s] is required", PropURL)
	}
	if cfg.MaxActive <= 0 {
		return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "pool property [%s] must be positive", PropMaxActive)
	}
	if cfg.MaxIdle < 0 {
		cfg.MaxIdle = cfg.MaxActive
	}
	if cfg.InitialSize > cfg.MaxActive {
		return nil, dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
			"pool property [%s] exceeds [%s]", PropInitialSize, PropMaxActive)
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}

	return cfg, nil
}

func parseIntProp(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "pool property [%s] is not an integer: %q", key, value)
	}
	if n < 0 {
		return 0, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "pool property [%s] cannot be negative", key)
	}
	return n, nil
}

func parseBoolProp(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "pool property [%s] is not a boolean: %q", key, value)
	}
	return b, nil
}

// normalize fills sizing defaults for configs built directly in code.
func normalize(cfg *Config) {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = cfg.MaxActive
	}
	if cfg.MaxIdle > cfg.MaxActive {
		cfg.MaxIdle = cfg.MaxActive
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.InitialSize > cfg.MaxActive {
		cfg.InitialSize = cfg.MaxActive
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
}
