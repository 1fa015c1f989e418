package chmux

import "fmt"

// portAddr implements net.Addr for a chmux Port exposed as a net.Conn via
// NetConn.
type portAddr struct {
	multiplexerAddr string
	port            PortID
}

func (a portAddr) Network() string {
	return "chmux"
}

func (a portAddr) String() string {
	return fmt.Sprintf("%s/port=%d", a.multiplexerAddr, a.port)
}
