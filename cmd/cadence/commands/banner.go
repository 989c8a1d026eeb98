package commands

import (
	"fmt"
	"time"

	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/sym"
	"github.com/teranos/cadence/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(verbosity int, dbPath string, port int, scheduler *pass.Scheduler) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	magenta := "\033[35m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ║   %s%s%s  c a d e n c e                           ║\n", magenta, sym.Pulse, reset+cyan+bold)
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ║   %s%s%s Pass  %s%s%s Store  %s%s%s Log  %s%s%s Config          ║\n",
		magenta, sym.Pulse, reset+cyan+bold,
		blue, sym.DB, reset+cyan+bold,
		yellow, sym.Log, reset+cyan+bold,
		green, sym.AM, reset+cyan+bold)
	fmt.Printf("   ║                                               ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ cadence ───────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s API:       http://localhost:%d\n", green, reset, port)
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	if scheduler != nil {
		fmt.Printf("%s│%s Passes:    %s\n", green, reset, nextPassLabel(scheduler))
	} else {
		fmt.Printf("%s│%s Passes:    on demand only\n", green, reset)
	}
	fmt.Printf("%s└─────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}

// nextPassLabel describes the cron schedule before the scheduler starts, when
// Next is still zero.
func nextPassLabel(s *pass.Scheduler) string {
	next := s.Next()
	if next.IsZero() {
		return "on cron schedule"
	}
	return "next at " + next.Format(time.RFC3339)
}
