// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package prefork

import "syscall"

// sysProcAttr arranges for a worker to be terminated if the coordinator dies
// without stopping it.
//
// The kernel delivers Pdeathsig when the thread that started the child exits,
// not when the whole process does. The Go runtime does not retire threads
// except when a goroutine exits while locked with runtime.LockOSThread, so
// Prefork must not be called from such a goroutine. Otherwise the workers
// would be signalled when that goroutine returns.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
