package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/someip/sd"
	"github.com/eshenhu/someip/someip"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "someipd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[tcp]
addr = "0.0.0.0:30600"
advertise = "10.0.0.5"

[sd]
multicast_group = "239.0.0.1"
loopback = false

[[service]]
service_id = 0x1234
instance_id = 1
echo = [1, 2]

[[service]]
service_id = 0x5678
instance_id = 3
protocol = "udp"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10.0.0.5", cfg.TCP.Advertise)
	assert.Equal(t, sd.DefaultPort, cfg.SD.Port, "defaults survive a partial table")
	assert.Equal(t, 1, cfg.SD.MulticastTTL)
	assert.False(t, cfg.SD.Loopback)

	require.Len(t, cfg.Services, 2)
	assert.Equal(t, sd.ServiceKey{ServiceID: 0x1234, InstanceID: 1}, cfg.Services[0].Key())
	assert.Equal(t, []uint16{1, 2}, cfg.Services[0].Echo)
	assert.Equal(t, "tcp", cfg.Services[0].Protocol)
	proto, err := cfg.Services[1].TransportProtocol()
	require.NoError(t, err)
	assert.Equal(t, sd.UDP, proto)
	assert.Equal(t, someip.ServiceID(0x5678), cfg.Services[1].Key().ServiceID)

	port, err := cfg.TCP.AdvertisedPort()
	require.NoError(t, err)
	assert.Equal(t, uint16(30600), port)

	ep := cfg.SD.Endpoint()
	assert.Equal(t, "239.0.0.1", ep.Group.String())
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":30509", cfg.TCP.Addr)
	assert.Equal(t, "226.1.1.1", cfg.SD.MulticastGroup)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", `colour = "blue"`},
		{"zero service id", "[[service]]\ninstance_id = 1"},
		{"duplicate service", "[[service]]\nservice_id = 1\n[[service]]\nservice_id = 1"},
		{"bad protocol", "[[service]]\nservice_id = 1\nprotocol = \"sctp\""},
		{"bad group", "[sd]\nmulticast_group = \"10.0.0.1\""},
		{"bad port", "[sd]\nport = 70000"},
		{"bad advertise", "[tcp]\nadvertise = \"::1\""},
		{"bad addr", "[tcp]\naddr = \"nowhere\""},
		{"not toml", "log_level = "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			assert.Error(t, err)
		})
	}
}
