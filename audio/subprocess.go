package audio

import (
	"bufio"
	"io"
	"os/exec"

	"github.com/pkg/errors"
)

// Subprocess wraps an encoder or decoder process communicating over stdin
// and stdout as an opaque byte stream: the core has no opinion on the wire
// framing used between it and the codec binary beyond what Read/Write
// need.
type Subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	ErrorLog func(error)
}

// StartSubprocess resolves and launches the named executable with the
// given arguments, wiring its stdin/stdout for streaming.
func StartSubprocess(name string, args ...string) (*Subprocess, error) {
	path, err := ResolveExecutable(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open subprocess stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open subprocess stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start subprocess")
	}

	return &Subprocess{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		ErrorLog: func(error) {},
	}, nil
}

// Write feeds raw audio bytes into the subprocess's stdin.
func (s *Subprocess) Write(b []byte) (int, error) {
	return s.stdin.Write(b)
}

// Read pulls encoded/decoded bytes out of the subprocess's stdout.
func (s *Subprocess) Read(b []byte) (int, error) {
	return s.stdout.Read(b)
}

// Close closes stdin (signaling EOF to the subprocess) and waits for it to
// exit.
func (s *Subprocess) Close() error {
	if err := s.stdin.Close(); err != nil {
		s.ErrorLog(errors.Wrap(err, "failed to close subprocess stdin"))
	}
	return s.cmd.Wait()
}
