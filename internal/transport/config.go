package transport

import (
	"time"

	"github.com/srg/ocfble/internal/bleuuid"
	"github.com/srg/ocfble/internal/host"
)

// Config holds the transport's tunable timeouts, MTU ceiling, scan
// behavior, and target UUIDs, built through functional options over a
// DefaultConfig() base.
type Config struct {
	ServiceUUID     string
	RequestCharUUID string
	RespCharUUID    string

	DefaultMTU uint16
	CeilingMTU uint16

	ScanFilterByServiceUUID bool

	BondTimeout         time.Duration
	WriteTimeout        time.Duration
	ScanRoundTimeout    time.Duration
	ScanRetryRounds     int
	ScanInterRoundDelay time.Duration
	PreDiscoveryDelay   time.Duration
}

// DefaultConfig returns the standard timeout and MTU defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultMTU:              host.DefaultMTU,
		CeilingMTU:              host.CeilingMTU,
		ScanFilterByServiceUUID: true,
		BondTimeout:             host.BondTimeout,
		WriteTimeout:            host.WriteTimeout,
		ScanRoundTimeout:        host.ScanRoundTimeout,
		ScanRetryRounds:         host.ScanRetryRounds,
		ScanInterRoundDelay:     host.ScanInterRoundDelay,
		PreDiscoveryDelay:       host.PreDiscoveryDelay,
	}
}

// Option configures a Config in New.
type Option func(*Config)

// WithTargetUUIDs sets the initial service/request/response UUIDs.
func WithTargetUUIDs(service, request, response string) Option {
	return func(c *Config) {
		c.ServiceUUID = bleuuid.Normalize(service)
		c.RequestCharUUID = bleuuid.Normalize(request)
		c.RespCharUUID = bleuuid.Normalize(response)
	}
}

// WithCeilingMTU overrides the ceiling MTU (default 517).
func WithCeilingMTU(mtu uint16) Option {
	return func(c *Config) { c.CeilingMTU = mtu }
}

// WithScanFilterByServiceUUID toggles UUID-filtered vs. open scanning.
func WithScanFilterByServiceUUID(filter bool) Option {
	return func(c *Config) { c.ScanFilterByServiceUUID = filter }
}

// WithScanRetry overrides the scan-retry round count and per-round timeout.
func WithScanRetry(rounds int, roundTimeout, interRoundDelay time.Duration) Option {
	return func(c *Config) {
		c.ScanRetryRounds = rounds
		c.ScanRoundTimeout = roundTimeout
		c.ScanInterRoundDelay = interRoundDelay
	}
}

// WithTimeouts overrides the bond/write/pre-discovery bounded waits.
func WithTimeouts(bond, write, preDiscovery time.Duration) Option {
	return func(c *Config) {
		c.BondTimeout = bond
		c.WriteTimeout = write
		c.PreDiscoveryDelay = preDiscovery
	}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}
