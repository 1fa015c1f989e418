package chmux

import (
	"fmt"
	"time"
)

// helloResult carries the peer's advertised values from the Hello exchange.
type helloResult struct {
	globalCredit uint64
}

// performHandshake exchanges Hello frames with the remote endpoint, failing
// if the magic/version do not match or the exchange does not complete within
// configuration.ConnectionTimeout. The send and receive run concurrently:
// both endpoints transmit their Hello first, and an unbuffered transport
// (an in-memory pipe) would deadlock if each side waited for its own send
// to complete before reading the peer's.
func performHandshake(transport Transport, configuration *Configuration) (*helloResult, error) {
	type outcome struct {
		result *helloResult
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		writeResult := make(chan error, 1)
		go func() {
			buffer := newSendBuffer(configuration.ChunkSize)
			buffer.encodeHello(configuration.GlobalReceiveCredit)
			writeResult <- transport.WriteFrame(buffer.bytes())
		}()

		frame, err := transport.ReadFrame()
		if err != nil {
			done <- outcome{err: fmt.Errorf("unable to receive hello: %w", err)}
			return
		}
		reader := frameReader{data: frame}
		kind, err := reader.readByte()
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if frameKind(kind) != frameKindHello {
			done <- outcome{err: fmt.Errorf("expected hello frame, received %v", frameKind(kind))}
			return
		}
		magic, err := reader.readUint32()
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if magic != protocolMagic {
			done <- outcome{err: fmt.Errorf("protocol magic mismatch")}
			return
		}
		version, err := reader.readUint32()
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if version != protocolVersion {
			done <- outcome{err: fmt.Errorf("unsupported protocol version %d", version)}
			return
		}
		globalCredit, err := reader.readUvarint()
		if err != nil {
			done <- outcome{err: err}
			return
		}
		if err := <-writeResult; err != nil {
			done <- outcome{err: fmt.Errorf("unable to send hello: %w", err)}
			return
		}
		done <- outcome{result: &helloResult{globalCredit: globalCredit}}
	}()

	if configuration.ConnectionTimeout <= 0 {
		result := <-done
		return result.result, result.err
	}

	select {
	case result := <-done:
		return result.result, result.err
	case <-time.After(configuration.ConnectionTimeout):
		transport.Close()
		<-done
		return nil, fmt.Errorf("handshake timed out after %v", configuration.ConnectionTimeout)
	}
}
