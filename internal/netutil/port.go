// Package netutil contains small networking helpers for node startup.
package netutil

import (
	"fmt"
	"net"
)

// maxPortScan bounds the linear scan so a fully occupied range fails fast.
const maxPortScan = 200

// FreePort returns the first TCP port at or above hint that can be bound on
// the loopback interface. Backends are always bound on loopback; the gateway
// is the only listener on a public interface.
func FreePort(hint int) (int, error) {
	if hint <= 0 || hint > 65535 {
		return 0, fmt.Errorf("port hint %d out of range", hint)
	}
	for port := hint; port < hint+maxPortScan && port <= 65535; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", hint, hint+maxPortScan-1)
}
