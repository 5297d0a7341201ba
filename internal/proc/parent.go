package proc

import "os"

// ParentAlive returns a check that fails once the process is reparented,
// which is how an orphan notices its parent died.
func ParentAlive() func() bool {
	ppid := os.Getppid()
	return func() bool {
		return os.Getppid() == ppid
	}
}
