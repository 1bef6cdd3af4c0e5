// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

//go:build !linux

package prefork

import "syscall"

func sysProcAttr() *syscall.SysProcAttr { return nil }
