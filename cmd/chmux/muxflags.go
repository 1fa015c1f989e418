package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/portmux/chmux/pkg/chmux"
	"github.com/portmux/chmux/pkg/chmuxconfig"
)

// multiplexerFlags stores command line flags that override
// chmux.Configuration defaults, and provides for their registration and
// application. It registers directly against pflag rather than through
// cobra, so the same flag set can be shared by both dial and listen.
type multiplexerFlags struct {
	configurationFile string
	connectionTimeout time.Duration
	chunkSize         int
	portReceiveBuffer int
	maxDataSize       int
	maxReceivedPorts  int

	flags *pflag.FlagSet
}

// Register registers the flags into the specified flag set.
func (f *multiplexerFlags) Register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.configurationFile, "configuration-file", "c", "", "YAML configuration file to load defaults from")
	flags.DurationVar(&f.connectionTimeout, "connection-timeout", 10*time.Second, "Handshake timeout")
	flags.IntVar(&f.chunkSize, "chunk-size", 1<<15, "Target outbound chunk size in bytes")
	flags.IntVar(&f.portReceiveBuffer, "port-receive-buffer", 16, "Initial per-port receive credit, in chunks")
	flags.IntVar(&f.maxDataSize, "max-data-size", 16<<20, "Maximum size of a reassembled data message, in bytes")
	flags.IntVar(&f.maxReceivedPorts, "max-received-ports", 64, "Maximum ports accepted in a single port-requests message")
	f.flags = flags
}

// Configuration builds a chmux.Configuration: the configuration file (if
// any) over chmux's own defaults, with explicitly set flags overriding
// both.
func (f *multiplexerFlags) Configuration() (*chmux.Configuration, error) {
	configuration := chmux.DefaultConfiguration()
	if f.configurationFile != "" {
		loaded, err := chmuxconfig.Load(f.configurationFile)
		if err != nil {
			return nil, err
		}
		configuration = loaded
	}
	if f.flags.Changed("connection-timeout") {
		configuration.ConnectionTimeout = f.connectionTimeout
	}
	if f.flags.Changed("chunk-size") {
		configuration.ChunkSize = f.chunkSize
	}
	if f.flags.Changed("port-receive-buffer") {
		configuration.PortReceiveBuffer = f.portReceiveBuffer
	}
	if f.flags.Changed("max-data-size") {
		configuration.MaxDataSize = f.maxDataSize
	}
	if f.flags.Changed("max-received-ports") {
		configuration.MaxReceivedPorts = f.maxReceivedPorts
	}
	return configuration, nil
}
