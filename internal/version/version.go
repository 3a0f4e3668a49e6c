// Package version holds the build version and the paths derived from it.
package version

import "fmt"

// App is the application name used in paths and log attributes.
const App = "lode"

const (
	Major = 1
	Minor = 2
	Patch = 0
)

// BuildDate is stamped by the release build via -ldflags.
var BuildDate = "unknown"

// String returns the dotted version, e.g. "1.2.0".
func String() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

// ScriptDir returns the system directory searched for Lua modules.
// It is keyed by major.minor so incompatible releases never share scripts.
func ScriptDir() string {
	return fmt.Sprintf("/etc/%s/scripts-%d.%d", App, Major, Minor)
}

// SearchPath returns the package.path installed into every engine.
func SearchPath() string {
	return "./?.lua;" + ScriptDir() + "/?.lua"
}
