package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/portmux/chmux/internal/cmdutil"
	"github.com/portmux/chmux/pkg/chmux"
	"github.com/portmux/chmux/pkg/logging"
	"github.com/portmux/chmux/pkg/must"
)

var dialConfiguration struct {
	// address is the TCP address to dial.
	address string
	// multiplexer holds the shared multiplexer configuration flags.
	multiplexer multiplexerFlags
}

var dialCommand = &cobra.Command{
	Use:   "dial",
	Short: "Dial a chmux listener, open one port, and echo standard input to it",
	Args:  cmdutil.DisallowArguments,
	Run:   cmdutil.Mainify(runDial),
}

func init() {
	flags := dialCommand.Flags()
	flags.StringVarP(&dialConfiguration.address, "address", "a", "127.0.0.1:9440", "Address to dial")
	dialConfiguration.multiplexer.Register(flags)
}

func runDial(_ *cobra.Command, _ []string) error {
	logger := logging.RootLogger.Sublogger("dial")

	connection, err := net.Dial("tcp", dialConfiguration.address)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %w", dialConfiguration.address, err)
	}
	defer must.Close(connection, logger)

	configuration, err := dialConfiguration.multiplexer.Configuration()
	if err != nil {
		return fmt.Errorf("unable to load configuration: %w", err)
	}
	multiplexer, err := chmux.Multiplex(chmux.NewFramedTransport(connection), configuration)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	defer must.Close(multiplexer, logger)

	ctx := context.Background()
	port, err := multiplexer.Open(ctx)
	if err != nil {
		return fmt.Errorf("unable to open port: %w", err)
	}
	defer must.Close(port, logger)

	var sent, received uint64
	printer := &cmdutil.StatusLinePrinter{}
	receiveDone := make(chan struct{})
	go func() {
		defer close(receiveDone)
		for {
			data, err := port.Receiver().Recv(ctx)
			if err != nil || data == nil {
				return
			}
			atomic.AddUint64(&received, uint64(len(data)))
			printer.Clear()
			fmt.Printf("echo: %s\n", data)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		sent += uint64(len(scanner.Bytes()))
		if err := port.Sender().Send(ctx, scanner.Bytes()); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
	}
	if err := port.Sender().Finish(); err != nil {
		return fmt.Errorf("finish failed: %w", err)
	}
	<-receiveDone

	printer.BreakIfNonEmpty()
	fmt.Printf("sent %s, received %s\n", humanize.Bytes(sent), humanize.Bytes(atomic.LoadUint64(&received)))
	return nil
}
