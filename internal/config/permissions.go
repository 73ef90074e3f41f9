package config

import (
	"os"
	"runtime"
)

// insecureMode reports the config file's permission bits when group or
// others can read it. The file holds the source password, the GraphQL API
// key and the Slack webhook. Windows ACLs are not reflected in the mode
// bits, so nothing is reported there.
func insecureMode(path string) (os.FileMode, bool) {
	if runtime.GOOS == "windows" {
		return 0, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	mode := info.Mode().Perm()
	return mode, mode&0077 != 0
}
