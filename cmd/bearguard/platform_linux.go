//go:build linux

package main

import (
	"bearguard/internal/core"
	"bearguard/internal/platform"
	"bearguard/internal/platform/linux"
)

func newPlatform(cfg core.Config) (*platform.Platform, error) {
	return linux.NewPlatform(cfg)
}
