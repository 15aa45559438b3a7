package window

import (
	"context"
	"strings"

	gprocess "github.com/shirou/gopsutil/v3/process"
)

// FindProcessByName scans the process table for an executable with the
// given file name. The first match wins.
func FindProcessByName(ctx context.Context, name string) (int32, bool) {
	procs, err := gprocess.ProcessesWithContext(ctx)
	if err != nil {
		return 0, false
	}
	for _, proc := range procs {
		procName, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.EqualFold(procName, name) {
			return proc.Pid, true
		}
	}
	return 0, false
}
