package chmux

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// TestNetConnConformance runs the golang.org/x/net/nettest net.Conn
// conformance suite against a chmux port pair, grounded on the nettest.MakePipe-based
// harness in multiplexing's own multiplexer_test.go.
func TestNetConnConformance(t *testing.T) {
	nettest.TestConn(t, func() (c1, c2 net.Conn, stop func(), err error) {
		client, server := testPair(t)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		serverPortCh := make(chan *Port, 1)
		serverErrCh := make(chan error, 1)
		go func() {
			port, acceptErr := server.Accept(ctx)
			serverPortCh <- port
			serverErrCh <- acceptErr
		}()

		clientPort, openErr := client.Open(ctx)
		if openErr != nil {
			return nil, nil, nil, openErr
		}
		if acceptErr := <-serverErrCh; acceptErr != nil {
			return nil, nil, nil, acceptErr
		}
		serverPort := <-serverPortCh

		stopFunc := func() {
			client.Close()
			server.Close()
		}
		return NetConn(clientPort, "client", "server"), NetConn(serverPort, "server", "client"), stopFunc, nil
	})
}
