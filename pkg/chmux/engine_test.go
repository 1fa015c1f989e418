package chmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func TestConcurrentPorts(t *testing.T) {
	client, server := testPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const portCount = 20
	const payloadSize = 256 * 1024

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*portCount)

	// Server: accept every port and drain it, verifying the payload.
	wg.Add(1)
	go func() {
		defer wg.Done()
		var accepted sync.WaitGroup
		for i := 0; i < portCount; i++ {
			port, err := server.Accept(ctx)
			if err != nil {
				errs <- fmt.Errorf("Accept: %w", err)
				return
			}
			accepted.Add(1)
			go func(port *Port) {
				defer accepted.Done()
				var received bytes.Buffer
				for {
					data, err := port.Receiver().Recv(ctx)
					if err != nil {
						errs <- fmt.Errorf("Recv on port %d: %w", port.ID(), err)
						return
					}
					if data == nil {
						break
					}
					received.Write(data)
				}
				if !bytes.Equal(received.Bytes(), payload) {
					errs <- fmt.Errorf("port %d payload mismatch: %d bytes", port.ID(), received.Len())
				}
			}(port)
		}
		accepted.Wait()
	}()

	// Client: open every port concurrently and send the payload.
	for i := 0; i < portCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := client.Open(ctx)
			if err != nil {
				errs <- fmt.Errorf("Open: %w", err)
				return
			}
			if err := port.Sender().Send(ctx, payload); err != nil {
				errs <- fmt.Errorf("Send on port %d: %w", port.ID(), err)
				return
			}
			if err := port.Sender().Finish(); err != nil {
				errs <- fmt.Errorf("Finish on port %d: %w", port.ID(), err)
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTransportFailureFailsAllPendingOperations(t *testing.T) {
	left, right := net.Pipe()

	type result struct {
		m   *Multiplexer
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)
	go func() {
		m, err := Multiplex(NewFramedTransport(left), nil)
		clientResult <- result{m, err}
	}()
	go func() {
		m, err := Multiplex(NewFramedTransport(right), nil)
		serverResult <- result{m, err}
	}()
	cr, sr := <-clientResult, <-serverResult
	if cr.err != nil || sr.err != nil {
		t.Fatalf("handshake failed: %v / %v", cr.err, sr.err)
	}
	client, server := cr.m, sr.m
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverPortCh := make(chan *Port, 1)
	go func() {
		port, _ := server.Accept(ctx)
		serverPortCh <- port
	}()
	clientPort, err := client.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	serverPort := <-serverPortCh

	recvErr := make(chan error, 2)
	go func() {
		_, err := clientPort.Receiver().Recv(ctx)
		recvErr <- err
	}()
	go func() {
		_, err := serverPort.Receiver().Recv(ctx)
		recvErr <- err
	}()

	// Kill the transport out from under both multiplexers.
	left.Close()

	for i := 0; i < 2; i++ {
		if err := <-recvErr; err != ErrMultiplexerClosed {
			t.Fatalf("expected ErrMultiplexerClosed from pending Recv, got %v", err)
		}
	}

	<-client.Closed()
	if err := clientPort.Sender().Send(ctx, []byte("too late")); err != ErrMultiplexerClosed {
		t.Fatalf("expected ErrMultiplexerClosed from Send, got %v", err)
	}
	if client.InternalError() == nil {
		t.Fatal("expected a terminal transport error to be recorded")
	}
}

func TestGoodbyeTerminatesPeer(t *testing.T) {
	client, server := testPair(t)
	defer client.Close()
	defer server.Close()

	if err := client.Goodbye(); err != nil {
		t.Fatalf("Goodbye: %v", err)
	}

	select {
	case <-server.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the peer to observe Goodbye")
	}
	if err := server.InternalError(); err != nil {
		t.Fatalf("expected a clean peer shutdown, got %v", err)
	}
}

func TestOpenRejectedAtPortLimit(t *testing.T) {
	serverConfiguration := DefaultConfiguration()
	serverConfiguration.MaxPorts = 1
	client, server := testPairWithConfigurations(t, DefaultConfiguration(), serverConfiguration)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		port, _ := server.Accept(ctx)
		_ = port
	}()

	if _, err := client.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := client.Open(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected at the peer's port limit, got %v", err)
	}
}
