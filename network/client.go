package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialSecure connects to address and runs the initiator side of the handshake.
func dialSecure(ctx context.Context, address string, options HandshakeOptions) (net.Conn, *secureSession, error) {
	dialer := net.Dialer{Timeout: options.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %q: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(options.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	secure, err := runHandshake(conn, options, true)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return conn, secure, nil
}
