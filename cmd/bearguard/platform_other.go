//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"bearguard/internal/core"
	"bearguard/internal/platform"
)

func newPlatform(core.Config) (*platform.Platform, error) {
	return nil, fmt.Errorf("%w: %s", platform.ErrUnsupported, runtime.GOOS)
}
