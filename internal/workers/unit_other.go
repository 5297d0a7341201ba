//go:build !linux

package workers

import (
	"context"
	"errors"
)

func runUnit(ctx context.Context, req unitRequest) (string, error) {
	return "", errors.New("systemd units are only managed on linux")
}
