package config

import (
	"github.com/slaclab/bsas/collector"
	"github.com/slaclab/bsas/ingress"
)

// ApplyTunables pushes the configured tunables into the process-wide
// settings. Zero values leave the built-in defaults in place; the
// assembler picks changes up on its next iteration.
func (c *Config) ApplyTunables() {
	t := c.Tunables
	if t.EventRate > 0 {
		collector.SetEventRate(t.EventRate)
	}
	if t.EventAge > 0 {
		collector.SetEventAge(t.EventAge.Std())
	}
	if t.FlushPeriod > 0 {
		collector.SetFlushPeriod(t.FlushPeriod.Std())
	}
	if t.ScalarDepth > 0 {
		ingress.SetScalarDepth(t.ScalarDepth)
	}
	if t.ArrayDepth > 0 {
		ingress.SetArrayDepth(t.ArrayDepth)
	}
}
