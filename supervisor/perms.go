package supervisor

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// GroupAccess returns an AfterExit hook that adds group read/write to each
// existing file in paths. CLI agents rewrite their config and credential
// files with 0600, which locks out the interactive user when the server
// runs under a shared group.
func GroupAccess(logger *slog.Logger, paths ...string) func() {
	return func() {
		for _, p := range paths {
			if err := addGroupRW(p); err != nil {
				logger.Warn("failed to fix config file permissions", "path", p, "error", err)
			}
		}
	}
}

func addGroupRW(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	want := mode | 0o060
	if want == mode {
		return nil
	}
	return os.Chmod(path, want)
}
