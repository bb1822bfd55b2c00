package udpnet

import (
	"net"
	"strconv"
	"strings"
)

// ParseAddress accepts exactly four dot-separated decimal octets, each in
// 0-255, with nothing before or after. Host names, IPv6 and anything with
// trailing characters are rejected.
func ParseAddress(path string) (net.IP, bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 4 {
		return nil, false
	}

	ip := make(net.IP, 4)
	for i, part := range parts {
		if part == "" || len(part) > 3 {
			return nil, false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
		v, err := strconv.Atoi(part)
		if err != nil || v > 255 {
			return nil, false
		}
		ip[i] = byte(v)
	}
	return ip, true
}
