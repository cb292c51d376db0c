//go:build unix

package main

import (
	"github.com/arzzra/webphone/pkg/coordinator"
	"github.com/arzzra/webphone/pkg/logger"
)

func newExecLauncher(path string, args []string) (launcher, error) {
	return coordinator.NewExecLauncher(path, args, nil, logger.WithComponent("launcher")), nil
}
