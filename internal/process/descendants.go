package process

import (
	"errors"
	"syscall"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// descendants lists every process below pid, parents before children. It
// builds the tree from one snapshot of the process table.
func descendants(pid int) ([]*gopsprocess.Process, error) {
	all, err := gopsprocess.Processes()
	if err != nil {
		return nil, err
	}
	children := make(map[int32][]*gopsprocess.Process)
	for _, proc := range all {
		ppid, err := proc.Ppid()
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], proc)
	}

	var out []*gopsprocess.Process
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range children[parent] {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			out = append(out, child)
			queue = append(queue, child.Pid)
		}
	}
	return out, nil
}

func signalDescendants(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	procs, err := descendants(pid)
	if err != nil {
		return err
	}
	var errs []error
	for _, proc := range procs {
		if err := proc.SendSignal(sig); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, gopsprocess.ErrorProcessNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
