package tracker

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// Descendants is the default Enumerator. It walks the whole process table
// by parent pid rather than relying on a per-platform children query.
func Descendants(pid int) ([]string, error) {
	return DescendantsContext(context.Background(), pid)
}

// DescendantsContext is Descendants with a context.
func DescendantsContext(ctx context.Context, pid int) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			// exited between listing and lookup
			continue
		}
		children[ppid] = append(children[ppid], p)
	}

	var names []string
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range children[next] {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			queue = append(queue, c.Pid)

			name, err := c.NameWithContext(ctx)
			if err != nil {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

// WorkingDir is the default CwdLookup.
func WorkingDir(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Cwd()
}
