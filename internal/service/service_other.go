//go:build !windows

package service

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("service mode is only available on Windows")

func IsService() (bool, error) {
	return false, nil
}

// RunService is unavailable outside Windows; use systemd or launchd to run
// the foreground process instead.
func RunService(context.Context, string, *Controller) error {
	return ErrUnsupported
}
