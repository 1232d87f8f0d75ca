package launch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Checks that addr can be bound.
//
// The probe listener is closed before returning. A port held by another
// process yields ErrPortInUse, wrapped in ErrLaunch.
func Preflight(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %w: %s", ErrLaunch, ErrPortInUse, addr)
		}
		return fmt.Errorf("%w: probe %s: %w", ErrLaunch, addr, err)
	}
	return l.Close()
}
