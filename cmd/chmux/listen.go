package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/portmux/chmux/internal/cmdutil"
	"github.com/portmux/chmux/pkg/chmux"
	"github.com/portmux/chmux/pkg/logging"
	"github.com/portmux/chmux/pkg/must"
)

var listenConfiguration struct {
	// address is the TCP address to listen on.
	address string
	// multiplexer holds the shared multiplexer configuration flags.
	multiplexer multiplexerFlags
}

var listenCommand = &cobra.Command{
	Use:   "listen",
	Short: "Listen for chmux connections and echo every port's data back to its sender",
	Args:  cmdutil.DisallowArguments,
	Run:   cmdutil.Mainify(runListen),
}

func init() {
	flags := listenCommand.Flags()
	flags.StringVarP(&listenConfiguration.address, "address", "a", "127.0.0.1:9440", "Address to listen on")
	listenConfiguration.multiplexer.Register(flags)
}

func runListen(_ *cobra.Command, _ []string) error {
	logger := logging.RootLogger.Sublogger("listen")

	configuration, err := listenConfiguration.multiplexer.Configuration()
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}

	listener, err := net.Listen("tcp", listenConfiguration.address)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", listenConfiguration.address, err)
	}
	defer must.Close(listener, logger)

	cmdutil.Warning(fmt.Sprintf("listening on %s", listener.Addr()))

	for {
		connection, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("unable to accept connection: %w", err)
		}
		go serveConnection(connection, configuration, logger)
	}
}

func serveConnection(connection net.Conn, configuration *chmux.Configuration, logger *logging.Logger) {
	connectionLogger := logger.Sublogger(connection.RemoteAddr().String())
	defer must.Close(connection, connectionLogger)

	multiplexer, err := chmux.Multiplex(chmux.NewFramedTransport(connection), configuration)
	if err != nil {
		connectionLogger.Error(fmt.Errorf("handshake failed: %w", err))
		return
	}
	defer must.Close(multiplexer, connectionLogger)

	ctx := context.Background()
	for {
		port, err := multiplexer.Accept(ctx)
		if err != nil {
			return
		}
		go echoPort(port, connectionLogger)
	}
}

// echoPort copies a port's inbound byte stream straight back to its sender
// until the peer finishes.
func echoPort(port *chmux.Port, logger *logging.Logger) {
	connection := chmux.NetConn(port, "listen", "peer")
	defer must.Close(connection, logger)
	must.IOCopy(connection, connection, logger)
}
