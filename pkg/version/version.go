package version

import "runtime/debug"

const Application = "slurmctld-converger"

// GetVersion returns the module version the binary was built from, or
// "devel" when it was built from a working tree.
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}
