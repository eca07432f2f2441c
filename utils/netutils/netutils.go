// Package netutils picks the addresses fake nodes advertise.
package netutils

import (
	"fmt"
	"net"
)

func IsInAddrAny(host string) bool {
	return host == "" || host == "::" || host == "0.0.0.0"
}

// OutboundIP is the local address used to reach the outside world.  Nothing
// is sent, a UDP dial only selects a route.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// AdvertiseHost returns the host other processes should use to reach a
// listener bound to bindHost.
func AdvertiseHost(bindHost string) (string, error) {
	if !IsInAddrAny(bindHost) {
		return bindHost, nil
	}

	ip, err := OutboundIP()
	if err != nil {
		return "", fmt.Errorf("failed to find an address to advertise: %w", err)
	}
	return ip.String(), nil
}
