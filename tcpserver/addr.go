package tcpserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveSockaddr turns a "host:port" string into the unix.Sockaddr New
// needs to bind. Only IPv4 is supported, matching original_source's
// tcp_server.cpp (AF_INET/sockaddr_in throughout).
func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	} else if tcpAddr.IP != nil {
		return nil, fmt.Errorf("tcpserver: address %q is not IPv4", addr)
	}
	return sa, nil
}
