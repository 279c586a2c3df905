// Package nlog provides leveled, verbosity-gated logging shared by every
// syncmesh subsystem. Modeled on aistore's cmn/nlog: a package-level atomic
// verbosity, per-module flags, and Info/Warning/Error sinks — no
// third-party logging façade sits on top of it.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Module-scoped verbosity flags, mirrored after cos.Smodule*.
const (
	SmoduleHLC = "hlc"
	SmoduleIdx = "indexer"
	SmoduleJob = "job"
	SmoduleSync = "syncpeer"
	SmodulePair = "pairing"
	SmoduleXfer = "xfer"
	SmoduleStore = "store"
	SmoduleLibrary = "library"
)

var verbosity int64 // atomic; 0 = quiet, higher = chattier

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// SetVerbosity sets the global FastV threshold.
func SetVerbosity(v int) { atomic.StoreInt64(&verbosity, int64(v)) }

// FastV reports whether logging at the given level for module is enabled.
// module is accepted for call-site symmetry with aistore's cos.FastV and to
// allow future per-module overrides; today verbosity is global.
func FastV(level int, module string) bool {
	_ = module
	return atomic.LoadInt64(&verbosity) >= int64(level)
}

func Infof(format string, args ...any)    { std.Output(2, "I "+fmt.Sprintf(format, args...)) }
func Infoln(args ...any)                  { std.Output(2, "I "+fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) { std.Output(2, "W "+fmt.Sprintf(format, args...)) }
func Warningln(args ...any)               { std.Output(2, "W "+fmt.Sprintln(args...)) }
func Errorf(format string, args ...any)   { std.Output(2, "E "+fmt.Sprintf(format, args...)) }
func Errorln(args ...any)                 { std.Output(2, "E "+fmt.Sprintln(args...)) }
