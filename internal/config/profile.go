// Package config loads wxrelay's process-level configuration: the small
// startup config area described in the bridge spec (database location,
// default poll/inactivity/batch/merge/concurrency settings). Everything
// else lives in the store and is mutated through the management surface.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Profile is the static configuration read once at process startup.
type Profile struct {
	Mode   string // "dev" or "prod"
	Addr   string
	Port   int
	Driver string // "sqlite" or "postgres"
	DSN    string

	MasterKeyHex string // 32-byte hex-encoded key used to seal secrets at rest

	PollInterval             int // seconds, default 5
	InactivityMinutes        int // default 30
	MaxListenersPerInstance  int // default 30
	BatchSize                int // default 10
	MergeMessages            bool
	MergeWindowSeconds       int // default 60
	DeliveryConcurrency      int // default 4
	DeliveryTimeoutSeconds   int // default 60
	MaxRetries               int // default 3
	MonitorIntervalSeconds   int // default 30
	SerializerQueueDepth     int // default 32
}

// Default returns a Profile populated with the defaults named throughout
// the spec, before environment/flag overrides are applied.
func Default() *Profile {
	return &Profile{
		Mode:                    "dev",
		Addr:                    "127.0.0.1",
		Port:                    8090,
		Driver:                  "sqlite",
		DSN:                     "wxrelay.db",
		PollInterval:            5,
		InactivityMinutes:       30,
		MaxListenersPerInstance: 30,
		BatchSize:               10,
		MergeMessages:           false,
		MergeWindowSeconds:      60,
		DeliveryConcurrency:     4,
		DeliveryTimeoutSeconds:  60,
		MaxRetries:              3,
		MonitorIntervalSeconds:  30,
		SerializerQueueDepth:    32,
	}
}

// Load builds a Profile from viper (flags/env already bound by the caller)
// layered over Default.
func Load(v *viper.Viper) (*Profile, error) {
	p := Default()

	if v.IsSet("mode") {
		p.Mode = v.GetString("mode")
	}
	if v.IsSet("addr") {
		p.Addr = v.GetString("addr")
	}
	if v.IsSet("port") {
		p.Port = v.GetInt("port")
	}
	if v.IsSet("driver") {
		p.Driver = v.GetString("driver")
	}
	if v.IsSet("dsn") {
		p.DSN = v.GetString("dsn")
	}
	if v.IsSet("poll-interval") {
		p.PollInterval = v.GetInt("poll-interval")
	}
	if v.IsSet("inactivity-minutes") {
		p.InactivityMinutes = v.GetInt("inactivity-minutes")
	}
	if v.IsSet("max-listeners") {
		p.MaxListenersPerInstance = v.GetInt("max-listeners")
	}
	if v.IsSet("batch-size") {
		p.BatchSize = v.GetInt("batch-size")
	}
	if v.IsSet("merge-messages") {
		p.MergeMessages = v.GetBool("merge-messages")
	}
	if v.IsSet("merge-window") {
		p.MergeWindowSeconds = v.GetInt("merge-window")
	}
	if v.IsSet("concurrency") {
		p.DeliveryConcurrency = v.GetInt("concurrency")
	}

	p.MasterKeyHex = firstNonEmpty(v.GetString("master-key"), os.Getenv("WXRELAY_MASTER_KEY"))

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return p, nil
}

// Validate checks the invariants the core relies on at startup.
func (p *Profile) Validate() error {
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return fmt.Errorf("unsupported driver %q", p.Driver)
	}
	if p.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if p.MaxListenersPerInstance <= 0 {
		return fmt.Errorf("max-listeners must be positive")
	}
	if p.DeliveryConcurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// IsDev mirrors the teacher's Profile.IsDev helper.
func (p *Profile) IsDev() bool { return p.Mode != "prod" }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
