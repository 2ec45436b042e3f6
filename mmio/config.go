package mmio

import "github.com/icd3sim/mmiotrap/registry"

// Config holds the tunables a Session needs at construction time. New
// starts from registry.MaxDevices and no PID file, so New with no options
// produces the same registry defaults as registry.New.
type Config struct {
	maxDevices int
	pidFile    string
}

// Option configures a Config, following this module's constructor-function
// convention for optional parameters.
type Option func(*Config)

// WithMaxDevices overrides the registry's device-table capacity.
func WithMaxDevices(n int) Option {
	return func(c *Config) { c.maxDevices = n }
}

// WithPIDFile arranges for New to record the process id at path.
func WithPIDFile(path string) Option {
	return func(c *Config) { c.pidFile = path }
}

func newConfig(opts []Option) Config {
	cfg := Config{maxDevices: registry.MaxDevices}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
