package netutils

import (
	"net"
	"os"
)

// IsInAddrAny reports whether addr means "every interface".
func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::" || addr == "::/0" || addr == "0.0.0.0"
}

// GetOutboundIP returns the local address the kernel would pick for outbound
// traffic.  No packets are sent; dialing UDP only selects a route.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	_ = conn.Close()

	return localAddr.IP, nil
}

// ResolveIngressAddress picks the address other roles should use to reach this
// controller.  An explicitly configured address always wins, then a concrete
// bind address, and finally the outbound interface address.
func ResolveIngressAddress(configured string, bindAddress string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}

// ResolveHostname returns configured when set, otherwise the kernel hostname.
func ResolveHostname(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	return os.Hostname()
}
