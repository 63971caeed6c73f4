package validate

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// hostnameLabelRe matches a single RFC 1123 hostname label.
var hostnameLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// MaxHostnameLen is the maximum total length of a hostname.
const MaxHostnameLen = 253

// Hostname validates an aggregator hostname. IP literals (v4 and v6)
// and RFC 1123 hostnames are accepted.
func Hostname(host string) error {
	if host == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > MaxHostnameLen {
		return fmt.Errorf("hostname %q exceeds %d characters", host, MaxHostnameLen)
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) > 63 || !hostnameLabelRe.MatchString(label) {
			return fmt.Errorf("hostname %q is not a valid hostname or IP address", host)
		}
	}
	return nil
}

// Port validates a TCP port number.
func Port(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return nil
}
