// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package prefork

import (
	"context"
	"errors"
	"net"
)

func listenReusePort(context.Context, string) (net.Listener, error) {
	return nil, errors.New("reuseport share mode is not supported on this platform")
}
