package os

import (
	"os"
	"path/filepath"
)

func UserCacheDir() string {
	d, err := os.UserCacheDir()
	if err != nil {
		return "."
	}
	return filepath.Join(d, "kaidash")
}
