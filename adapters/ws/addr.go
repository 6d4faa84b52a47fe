package ws

import (
	"strconv"
	"strings"
)

// ParseEndpoint maps an IPC endpoint to a network address. A bare port
// number listens on the loopback interface, anything that looks like a path
// is a unix socket, everything else is a tcp host:port.
func ParseEndpoint(endpoint string) (network, address string) {
	endpoint = strings.TrimSpace(endpoint)
	if rest, ok := strings.CutPrefix(endpoint, "unix:"); ok {
		return "unix", rest
	}
	if _, err := strconv.ParseUint(endpoint, 10, 16); err == nil {
		return "tcp", "127.0.0.1:" + endpoint
	}
	if strings.ContainsRune(endpoint, '/') || strings.HasSuffix(endpoint, ".sock") {
		return "unix", endpoint
	}
	return "tcp", endpoint
}
