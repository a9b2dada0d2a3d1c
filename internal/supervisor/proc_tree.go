package supervisor

import "github.com/shirou/gopsutil/v3/process"

// collectDescendants walks the process tree below pid breadth first.
func collectDescendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	seen := map[int32]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		for _, child := range children {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

func anyRunning(procs []*process.Process) bool {
	for _, p := range procs {
		if running, _ := p.IsRunning(); running {
			return true
		}
	}
	return false
}
