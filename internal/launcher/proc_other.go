//go:build !unix

package launcher

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killTree(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func exitFromState(ps *os.ProcessState) Exit {
	var ex Exit
	if ps == nil {
		return ex
	}
	if code := ps.ExitCode(); code >= 0 {
		ex.Code = &code
	}
	return ex
}
