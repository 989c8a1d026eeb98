// Package sym defines the glyphs cadence attaches to log lines and CLI output.
// They are stable across the CLI, the HTTP API and the logs, so log queries can
// filter by subsystem.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // scheduling pass, dispatch and polling
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // storage
	AM         = "≡" // configuration
	Log        = "⋈" // execution log reads (status/result)
)

// Names maps each glyph to its subsystem name.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	DB:         "db",
	AM:         "am",
	Log:        "log",
}

// Name returns the subsystem name for a glyph, or the glyph itself when unknown.
func Name(glyph string) string {
	if n, ok := Names[glyph]; ok {
		return n
	}
	return glyph
}
