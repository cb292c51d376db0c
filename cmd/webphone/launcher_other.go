//go:build !unix

package main

import "errors"

func newExecLauncher(string, []string) (launcher, error) {
	return nil, errors.New("запуск media host отдельным процессом поддерживается только на unix")
}
