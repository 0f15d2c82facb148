// Package config loads keybrokerd's configuration from an INI file with
// environment variable overrides, grounded on the teacher's config package
// (gopkg.in/ini.v1-based section parsing) but generalized from a
// MariaDB/Postgres backend-pool shape to the credential daemon's
// transport/trust/keybox-resource shape.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds keybrokerd's full startup configuration.
type Config struct {
	// Socket is the Unix-domain listening socket path. If empty, the
	// daemon runs in pipe-server mode over stdin/stdout instead (see
	// SPEC_FULL.md §6's transport selection rule).
	Socket string

	// TrustFile is the path to the append-only trust list.
	TrustFile string

	// DefaultPassphraseTTL is the duration the passphrase cache applies to a
	// Put made with passphrase.UseDefaultTTL. GET_PASSPHRASE does not use
	// it: it caches entered passphrases until daemon exit (ttl 0).
	DefaultPassphraseTTL time.Duration

	// KeyboxResources are mounted onto the backend chain in listed order
	// (after the always-present cache backend).
	KeyboxResources []KeyboxResource

	// MetricsListen is the address the Prometheus handler binds, empty to
	// disable it.
	MetricsListen string
}

// KeyboxResource is one [keybox.<name>] section: a file path or DSN the
// keybox frontend mounts as a backend at startup. Replicas, when present,
// names read-only DSNs that round-robin-share SELECT traffic for this
// resource (SQL-backed resources only).
type KeyboxResource struct {
	Name     string
	Target   string
	ReadOnly bool
	Replicas []string
}

const (
	defaultPassphraseTTLSeconds = 600
	defaultMetricsListen        = ":9145"
)

// Load reads configuration from an INI file at path, applying environment
// overrides afterward.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	server := f.Section("server")
	trust := f.Section("trust")
	passphrase := f.Section("passphrase")
	metrics := f.Section("metrics")

	cfg := &Config{
		Socket:               server.Key("socket").String(),
		TrustFile:            trust.Key("file").MustString("trustlist.txt"),
		DefaultPassphraseTTL: time.Duration(passphrase.Key("default_ttl_seconds").MustInt(defaultPassphraseTTLSeconds)) * time.Second,
		MetricsListen:        metrics.Key("listen").MustString(defaultMetricsListen),
	}

	prefix := "keybox."
	for _, s := range f.Sections() {
		name := s.Name()
		if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		resourceName := name[len(prefix):]
		target := s.Key("resource").String()
		if target == "" {
			log.Printf("config: keybox.%s has no resource key, skipping", resourceName)
			continue
		}
		var replicas []string
		if raw := s.Key("replicas").String(); raw != "" {
			for _, r := range strings.Split(raw, ",") {
				replicas = append(replicas, strings.TrimSpace(r))
			}
		}
		cfg.KeyboxResources = append(cfg.KeyboxResources, KeyboxResource{
			Name:     resourceName,
			Target:   target,
			ReadOnly: s.Key("readonly").MustBool(false),
			Replicas: replicas,
		})
	}

	applyEnvOverrides(cfg)

	if len(cfg.KeyboxResources) == 0 {
		log.Printf("config: no [keybox.*] resources defined, frontend will have no writable backend")
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment tooling override the handful of fields
// most often pinned per-environment, following the teacher's
// TQDBPROXY_<SECTION>_<KEY> convention renamed to this daemon's prefix.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYBROKERD_SOCKET"); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv("KEYBROKERD_TRUST_FILE"); v != "" {
		cfg.TrustFile = v
	}
	if v := os.Getenv("KEYBROKERD_PASSPHRASE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.DefaultPassphraseTTL = time.Duration(secs) * time.Second
		} else {
			log.Printf("config: ignoring invalid KEYBROKERD_PASSPHRASE_TTL_SECONDS=%q: %v", v, err)
		}
	}
	if v := os.Getenv("KEYBROKERD_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
}

// Validate reports a descriptive error for configuration combinations the
// daemon cannot start with.
func (c *Config) Validate() error {
	if c.TrustFile == "" {
		return fmt.Errorf("config: trust.file must not be empty")
	}
	if c.DefaultPassphraseTTL <= 0 {
		return fmt.Errorf("config: passphrase.default_ttl_seconds must be positive")
	}
	return nil
}
