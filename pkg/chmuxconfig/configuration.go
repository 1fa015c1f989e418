// Package chmuxconfig loads chmux.Configuration values from YAML files: a
// thin YAML-tagged mirror of the runtime configuration struct, applied over
// in-memory defaults field by field.
package chmuxconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/portmux/chmux/pkg/chmux"
)

// File is the YAML-tagged representation of a chmux configuration file. Any
// field left unset (zero value) falls back to chmux.DefaultConfiguration.
type File struct {
	// ConnectionTimeout is the handshake timeout, expressed as a duration
	// string (e.g. "10s"). See chmux.Configuration.ConnectionTimeout.
	ConnectionTimeout string `yaml:"connectionTimeout"`
	// MaxPorts is the per-side port limit. See chmux.Configuration.MaxPorts.
	MaxPorts int `yaml:"maxPorts"`
	// ChunkSize is the target outbound chunk size in bytes. See
	// chmux.Configuration.ChunkSize.
	ChunkSize int `yaml:"chunkSize"`
	// PortReceiveBuffer is the initial per-port credit. See
	// chmux.Configuration.PortReceiveBuffer.
	PortReceiveBuffer int `yaml:"portReceiveBuffer"`
	// MaxDataSize is the default per-message size limit in bytes. See
	// chmux.Configuration.MaxDataSize.
	MaxDataSize int `yaml:"maxDataSize"`
	// MaxReceivedPorts is the default port-requests list length limit. See
	// chmux.Configuration.MaxReceivedPorts.
	MaxReceivedPorts int `yaml:"maxReceivedPorts"`
	// SharedSendQueueSize is the outbound encode-buffer pool size. See
	// chmux.Configuration.SharedSendQueueSize.
	SharedSendQueueSize int `yaml:"sharedSendQueueSize"`
	// AcceptBacklog is the pending-inbound-open queue depth. See
	// chmux.Configuration.AcceptBacklog.
	AcceptBacklog int `yaml:"acceptBacklog"`
	// GlobalReceiveCredit is the initial global credit pool size. See
	// chmux.Configuration.GlobalReceiveCredit.
	GlobalReceiveCredit uint64 `yaml:"globalReceiveCredit"`
}

// Load reads a chmux configuration file from path and merges it over
// chmux.DefaultConfiguration, returning the result. A missing file is not an
// error; it simply yields the defaults.
func Load(path string) (*chmux.Configuration, error) {
	configuration := chmux.DefaultConfiguration()

	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return configuration, nil
	} else if err != nil {
		return nil, fmt.Errorf("unable to read configuration file: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return nil, fmt.Errorf("unable to parse configuration file: %w", err)
	}

	if file.ConnectionTimeout != "" {
		timeout, err := time.ParseDuration(file.ConnectionTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid connectionTimeout: %w", err)
		}
		configuration.ConnectionTimeout = timeout
	}
	if file.MaxPorts != 0 {
		configuration.MaxPorts = file.MaxPorts
	}
	if file.ChunkSize != 0 {
		configuration.ChunkSize = file.ChunkSize
	}
	if file.PortReceiveBuffer != 0 {
		configuration.PortReceiveBuffer = file.PortReceiveBuffer
	}
	if file.MaxDataSize != 0 {
		configuration.MaxDataSize = file.MaxDataSize
	}
	if file.MaxReceivedPorts != 0 {
		configuration.MaxReceivedPorts = file.MaxReceivedPorts
	}
	if file.SharedSendQueueSize != 0 {
		configuration.SharedSendQueueSize = file.SharedSendQueueSize
	}
	if file.AcceptBacklog != 0 {
		configuration.AcceptBacklog = file.AcceptBacklog
	}
	if file.GlobalReceiveCredit != 0 {
		configuration.GlobalReceiveCredit = file.GlobalReceiveCredit
	}

	return configuration, nil
}
