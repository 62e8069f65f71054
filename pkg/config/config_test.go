package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "someip.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "[someip]\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.LocalEndpointPath, cfg.LocalEndpointPath)
	assert.Equal(t, def.SDMulticastGroup, cfg.SDMulticastGroup)
	assert.Equal(t, def.SDPort, cfg.SDPort)
	assert.Equal(t, def.SDTiming, cfg.SDTiming)
	assert.True(t, cfg.SDEnabled)
}

func TestLoadOverridesMainSection(t *testing.T) {
	path := writeConfig(t, `
[someip]
local_endpoint_path = /tmp/test-vsomeipd
sd_enabled = false
sd_multicast_group = 239.0.0.1
sd_port = 31000
sd_cyclic_offer_ms = 500
watchdog_cycle_ms = 1500
flush_timeout_ms = 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-vsomeipd", cfg.LocalEndpointPath)
	assert.False(t, cfg.SDEnabled)
	assert.Equal(t, "239.0.0.1", cfg.SDMulticastGroup)
	assert.Equal(t, uint16(31000), cfg.SDPort)
	assert.Equal(t, 500*time.Millisecond, cfg.SDTiming.CyclicOfferDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.WatchdogCycle)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushTimeout)
}

func TestLoadServiceEventApplicationSections(t *testing.T) {
	path := writeConfig(t, `
[service:lights]
service = 0x1234
instance = 0x0001
major = 1
minor = 0
reliable_port = 30509
unreliable_port = 30510
ttl_seconds = 5

[event:lights-status]
service = 0x1234
event = 0x8001
reliable = false

[application:controller]
name = controller
client_id = 0x0042
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Services, 1)
	svc := cfg.Services[0]
	assert.EqualValues(t, 0x1234, svc.Service)
	assert.EqualValues(t, 0x0001, svc.Instance)
	assert.EqualValues(t, 1, svc.Major)
	assert.EqualValues(t, 30509, svc.ReliablePort)
	assert.EqualValues(t, 30510, svc.UnreliablePort)
	assert.EqualValues(t, 5, svc.TTL)

	require.Len(t, cfg.Events, 1)
	ev := cfg.Events[0]
	assert.EqualValues(t, 0x1234, ev.Service)
	assert.EqualValues(t, 0x8001, ev.Event)
	assert.False(t, ev.Reliable)

	require.Len(t, cfg.Applications, 1)
	app := cfg.Applications[0]
	assert.Equal(t, "controller", app.Name)
	assert.EqualValues(t, 0x0042, app.ClientID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestLoadMalformedHexField(t *testing.T) {
	path := writeConfig(t, `
[service:broken]
service = not-a-number
instance = 0x0001
`)
	_, err := Load(path)
	assert.Error(t, err)
}
