package dispatch

import (
	"fmt"
	"strings"
)

// Layer is the role of the running process. It is fixed at startup.
type Layer string

const (
	Standalone Layer = "standalone"
	Server     Layer = "server"
	Client     Layer = "client"
)

// ParseLayer accepts the layer names case-insensitively. Empty means Standalone.
func ParseLayer(s string) (Layer, error) {
	switch Layer(strings.ToLower(strings.TrimSpace(s))) {
	case "", Standalone:
		return Standalone, nil
	case Server:
		return Server, nil
	case Client:
		return Client, nil
	}
	return "", fmt.Errorf("unknown layer %q (want standalone, server or client)", s)
}

// Local reports whether procedures run inside this process.
func (l Layer) Local() bool { return l != Client }

func (l Layer) String() string { return string(l) }
