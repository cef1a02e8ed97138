package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/ingress"
)

const sampleYAML = `
nats:
  url: nats://nats.internal:4222
  name: bsas-prod
  reconnect_wait: 2s
http:
  addr: ":9100"
tables:
  - prefix: bsas.ring1
    signals: [bpm01, bpm02, bpm03]
    stale_after: 5s
    websocket:
      addr: ":8081"
  - prefix: bsas.ring2
    signals: [foo]
tunables:
  event_rate: 40
  event_age: 1.5s
  flush_period: 500ms
  scalar_depth: 64
  array_depth: 8
log_level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bsasd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "nats://nats.internal:4222", cfg.NATS.URL)
	assert.Equal(t, "bsas-prod", cfg.NATS.Name)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "/metrics", cfg.HTTP.MetricsPath)
	assert.Equal(t, "debug", cfg.LogLevel)

	require.Len(t, cfg.Tables, 2)
	tbl := cfg.Tables[0]
	assert.Equal(t, "bsas.ring1", tbl.Prefix)
	assert.Equal(t, []string{"bpm01", "bpm02", "bpm03"}, tbl.Signals)
	assert.Equal(t, "bsas.ring1.signal", tbl.SignalSubjectPrefix)
	assert.Equal(t, 5*time.Second, tbl.StaleAfter.Std())
	require.NotNil(t, tbl.WebSocket)
	assert.Equal(t, "/table", tbl.WebSocket.Path)

	assert.Equal(t, 40.0, cfg.Tunables.EventRate)
	assert.Equal(t, 1500*time.Millisecond, cfg.Tunables.EventAge.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "tables: ["))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no tables": `
nats: {url: nats://x:4222}
`,
		"empty prefix": `
tables:
  - prefix: ""
    signals: [a]
`,
		"duplicate prefix": `
tables:
  - {prefix: p, signals: [a]}
  - {prefix: p, signals: [b]}
`,
		"no signals": `
tables:
  - prefix: p
    signals: []
`,
		"empty signal": `
tables:
  - prefix: p
    signals: [""]
`,
		"duplicate signal": `
tables:
  - prefix: p
    signals: [a, a]
`,
		"bad log level": `
tables:
  - {prefix: p, signals: [a]}
log_level: loud
`,
		"bad duration": `
tables:
  - prefix: p
    signals: [a]
    stale_after: soon
`,
	}
	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}

func TestApplyTunables(t *testing.T) {
	t.Cleanup(func() {
		collector.SetEventRate(20)
		collector.SetEventAge(2500 * time.Millisecond)
		collector.SetFlushPeriod(2 * time.Second)
		ingress.SetScalarDepth(130)
		ingress.SetArrayDepth(15)
	})

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	cfg.ApplyTunables()

	assert.Equal(t, 40.0, collector.EventRate())
	assert.Equal(t, 1500*time.Millisecond, collector.EventAge())
	assert.Equal(t, 500*time.Millisecond, collector.FlushPeriod())
	assert.Equal(t, 64, ingress.ScalarDepth())
	assert.Equal(t, 8, ingress.ArrayDepth())
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	require.NotNil(t, sc.Get())

	good := &Config{
		NATS:   NATSConfig{URL: "nats://x:4222"},
		Tables: []TableConfig{{Prefix: "p", Signals: []string{"a"}}},
	}
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "p", sc.Get().Tables[0].Prefix)

	assert.Error(t, sc.Update(nil))
	assert.Error(t, sc.Update(&Config{NATS: NATSConfig{URL: "nats://x"}}))
}
