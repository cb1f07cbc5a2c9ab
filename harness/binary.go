package harness

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// DefaultBinary is the node executable looked up when none is configured.
const DefaultBinary = "bitcoind"

// ResolveBinary returns the node executable to launch. An explicit path
// wins, then binDir/bitcoind, then bitcoind on $PATH.
func ResolveBinary(path, binDir string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Wrapf(err, "node binary %s", path)
		}

		return path, nil
	}

	if binDir != "" {
		candidate := filepath.Join(binDir, DefaultBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	found, err := exec.LookPath(DefaultBinary)
	if err != nil {
		return "", errors.Wrapf(err, "find %s", DefaultBinary)
	}

	return found, nil
}
