package xcache

import "github.com/davecgh/go-spew/spew"

// debugDump renders v as a multi-line struct dump suitable for a
// LogLevelDebug trace. Wiring go-spew here avoids hand writing String()
// methods for every wire-facing struct just to make debug logs readable.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func debugDump(v interface{}) string {
	return dumpConfig.Sdump(v)
}

// logDebugDump logs msg with a go-spew dump of v appended, but only pays
// the formatting cost when the logger is actually at debug level.
func logDebugDump(lg Logger, msg string, v interface{}) {
	if lg == nil || lg.Level() < LogLevelDebug {
		return
	}
	lg.Log(LogLevelDebug, msg, "dump", debugDump(v))
}
