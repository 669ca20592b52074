package utils

import (
	"net"
)

// AdvertisableIP returns the first IPv4 address of an interface that is up
// and not loopback, or fallback when there is none.
func AdvertisableIP(fallback string) string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return fallback
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return fallback
}

// HostFor picks the address peers should dial for a listener bound to ip.
// Wildcard binds are replaced by AdvertisableIP.
func HostFor(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return AdvertisableIP("127.0.0.1")
	}
	return ip.String()
}
