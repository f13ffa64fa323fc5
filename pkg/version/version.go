package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version  string
	Revision string
)

func String() string {
	if Version != "" && Revision != "" {
		return fmt.Sprintf("kaidash %s %s", Version, Revision)
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		return fmt.Sprintf("kaidash %s", info.Main.Version)
	}

	return fmt.Sprintf("kaidash %s", "(unknown)")
}
