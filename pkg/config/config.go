// Package config loads the daemon's configuration surface (per-service
// reliable/unreliable ports, per-event reliability policy, SD
// enable/multicast group/port, SD timing, per-service TTL, watchdog cycle,
// flush timeout, local endpoint path, per-application static client id)
// from an INI file: ini.Load, then one pass over ini.File.Sections()
// matching section names against expected shapes.
package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
)

// ServiceConfig is one [service] section: the reliable (TCP) and/or
// unreliable (UDP) port a locally offered service listens on, its versions,
// and its SD TTL.
type ServiceConfig struct {
	Service        someip.ServiceID
	Instance       someip.InstanceID
	Major          someip.MajorVersion
	Minor          someip.MinorVersion
	ReliablePort   uint16 // 0 = not offered over TCP
	UnreliablePort uint16 // 0 = not offered over UDP
	TTL            someip.TTL
}

// EventConfig is one [event] section: whether a given (service, event) is
// carried reliably (TCP) or unreliably (UDP).
type EventConfig struct {
	Service  someip.ServiceID
	Event    someip.EventID
	Reliable bool
}

// ApplicationConfig is one [application] section: a static client_id
// assignment for a named application, bypassing the routing host's normal
// monotonic assignment.
type ApplicationConfig struct {
	Name     string
	ClientID someip.ClientID
}

// Config is the full parsed configuration surface.
type Config struct {
	// LocalEndpointPath is the rendezvous socket path applications attach to
	// (default "/tmp/vsomeipd").
	LocalEndpointPath string

	// SDEnabled toggles whether the routing host runs Service Discovery at
	// all.
	SDEnabled bool
	// SDMulticastGroup and SDPort are the SD rendezvous address (default
	// sd.DefaultSDMulticastGroup:sd.DefaultSDPort).
	SDMulticastGroup string
	SDPort           uint16
	// SDTiming overrides sd.DefaultTiming.
	SDTiming sd.Timing

	// WatchdogCycle and FlushTimeout are read from the file but not applied
	// to any endpoint: the transport package's TCP client always uses
	// sd.DefaultWatchdogCycle and sd.DefaultFlushTimeout.
	WatchdogCycle time.Duration
	FlushTimeout  time.Duration

	Services     []ServiceConfig
	Events       []EventConfig
	Applications []ApplicationConfig
}

// Default returns the configuration surface populated with every protocol
// default (sd.DefaultTiming, sd.DefaultSDPort, sd.DefaultWatchdogCycle,
// sd.DefaultFlushTimeout, and "/tmp/vsomeipd"), used when no config file is
// supplied or a file omits the [someip] section entirely.
func Default() Config {
	return Config{
		LocalEndpointPath: "/tmp/vsomeipd",
		SDEnabled:         true,
		SDMulticastGroup:  sd.DefaultSDMulticastGroup,
		SDPort:            sd.DefaultSDPort,
		SDTiming:          sd.DefaultTiming(),
		WatchdogCycle:     sd.DefaultWatchdogCycle,
		FlushTimeout:      sd.DefaultFlushTimeout,
	}
}

// Load reads an INI file at path: the "someip" section first, then one pass
// over every section, matched by name prefix. Sections not named
// "someip", "service:*", "event:*", or "application:*" are ignored rather
// than treated as errors, since a deployment's config file may carry
// unrelated sections this stack has no business interpreting.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %q: %w", path, err)
	}

	if main, err := f.GetSection("someip"); err == nil {
		applyMainSection(&cfg, main)
	}

	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case name == ini.DefaultSection || name == "someip":
			continue
		case hasPrefix(name, "service:"):
			svc, err := parseServiceSection(section)
			if err != nil {
				return Config{}, fmt.Errorf("config: section %q: %w", name, err)
			}
			cfg.Services = append(cfg.Services, svc)
		case hasPrefix(name, "event:"):
			ev, err := parseEventSection(section)
			if err != nil {
				return Config{}, fmt.Errorf("config: section %q: %w", name, err)
			}
			cfg.Events = append(cfg.Events, ev)
		case hasPrefix(name, "application:"):
			app, err := parseApplicationSection(section)
			if err != nil {
				return Config{}, fmt.Errorf("config: section %q: %w", name, err)
			}
			cfg.Applications = append(cfg.Applications, app)
		}
	}

	return cfg, nil
}

func applyMainSection(cfg *Config, section *ini.Section) {
	if k := section.Key("local_endpoint_path"); k.String() != "" {
		cfg.LocalEndpointPath = k.String()
	}
	if section.HasKey("sd_enabled") {
		cfg.SDEnabled = section.Key("sd_enabled").MustBool(cfg.SDEnabled)
	}
	if k := section.Key("sd_multicast_group"); k.String() != "" {
		cfg.SDMulticastGroup = k.String()
	}
	if section.HasKey("sd_port") {
		cfg.SDPort = uint16(section.Key("sd_port").MustUint(uint(cfg.SDPort)))
	}
	if section.HasKey("sd_initial_delay_min_ms") {
		cfg.SDTiming.InitialDelayMin = time.Duration(section.Key("sd_initial_delay_min_ms").MustInt64(int64(cfg.SDTiming.InitialDelayMin/time.Millisecond))) * time.Millisecond
	}
	if section.HasKey("sd_initial_delay_max_ms") {
		cfg.SDTiming.InitialDelayMax = time.Duration(section.Key("sd_initial_delay_max_ms").MustInt64(int64(cfg.SDTiming.InitialDelayMax/time.Millisecond))) * time.Millisecond
	}
	if section.HasKey("sd_repetition_base_ms") {
		cfg.SDTiming.RepetitionBase = time.Duration(section.Key("sd_repetition_base_ms").MustInt64(int64(cfg.SDTiming.RepetitionBase/time.Millisecond))) * time.Millisecond
	}
	if section.HasKey("sd_repetition_max") {
		cfg.SDTiming.RepetitionMax = uint8(section.Key("sd_repetition_max").MustUint(uint(cfg.SDTiming.RepetitionMax)))
	}
	if section.HasKey("sd_cyclic_offer_ms") {
		cfg.SDTiming.CyclicOfferDelay = time.Duration(section.Key("sd_cyclic_offer_ms").MustInt64(int64(cfg.SDTiming.CyclicOfferDelay/time.Millisecond))) * time.Millisecond
	}
	if section.HasKey("watchdog_cycle_ms") {
		cfg.WatchdogCycle = time.Duration(section.Key("watchdog_cycle_ms").MustInt64(int64(cfg.WatchdogCycle/time.Millisecond))) * time.Millisecond
	}
	if section.HasKey("flush_timeout_ms") {
		cfg.FlushTimeout = time.Duration(section.Key("flush_timeout_ms").MustInt64(int64(cfg.FlushTimeout/time.Millisecond))) * time.Millisecond
	}
}

func parseServiceSection(section *ini.Section) (ServiceConfig, error) {
	service, err := parseHexU16(section.Key("service").String())
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("service: %w", err)
	}
	instance, err := parseHexU16(section.Key("instance").String())
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("instance: %w", err)
	}
	return ServiceConfig{
		Service:        service,
		Instance:       instance,
		Major:          someip.MajorVersion(section.Key("major").MustUint(1)),
		Minor:          someip.MinorVersion(section.Key("minor").MustUint(0)),
		ReliablePort:   uint16(section.Key("reliable_port").MustUint(0)),
		UnreliablePort: uint16(section.Key("unreliable_port").MustUint(0)),
		TTL:            someip.TTL(section.Key("ttl_seconds").MustUint(uint(sd.DefaultTiming().TTL.Seconds()))),
	}, nil
}

func parseEventSection(section *ini.Section) (EventConfig, error) {
	service, err := parseHexU16(section.Key("service").String())
	if err != nil {
		return EventConfig{}, fmt.Errorf("service: %w", err)
	}
	event, err := parseHexU16(section.Key("event").String())
	if err != nil {
		return EventConfig{}, fmt.Errorf("event: %w", err)
	}
	return EventConfig{
		Service:  service,
		Event:    event,
		Reliable: section.Key("reliable").MustBool(false),
	}, nil
}

func parseApplicationSection(section *ini.Section) (ApplicationConfig, error) {
	return ApplicationConfig{
		Name:     section.Key("name").String(),
		ClientID: someip.ClientID(section.Key("client_id").MustUint(0)),
	}, nil
}

// parseHexU16 accepts either a decimal or a "0x"-prefixed hex literal,
// since service and instance ids read naturally in hex.
func parseHexU16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
