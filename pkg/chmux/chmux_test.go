package chmux

import (
	"context"
	"net"
	"testing"
	"time"
)

// testPair establishes two multiplexers connected by an in-memory net.Pipe,
// framed with NewFramedTransport.
func testPair(t *testing.T) (client, server *Multiplexer) {
	t.Helper()
	return testPairWithConfigurations(t, DefaultConfiguration(), DefaultConfiguration())
}

// testPairWithConfigurations is testPair with per-side configurations.
func testPairWithConfigurations(t *testing.T, clientConfiguration, serverConfiguration *Configuration) (client, server *Multiplexer) {
	t.Helper()
	left, right := net.Pipe()

	type result struct {
		m   *Multiplexer
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		m, err := Multiplex(NewFramedTransport(left), clientConfiguration)
		clientResult <- result{m, err}
	}()
	go func() {
		m, err := Multiplex(NewFramedTransport(right), serverConfiguration)
		serverResult <- result{m, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	if cr.err != nil {
		t.Fatalf("client handshake failed: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server handshake failed: %v", sr.err)
	}
	return cr.m, sr.m
}

func TestOpenAcceptAndEcho(t *testing.T) {
	client, server := testPair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverPortCh := make(chan *Port, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		port, err := server.Accept(ctx)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverPortCh <- port
		serverErrCh <- nil
	}()

	clientPort, err := client.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	serverPort := <-serverPortCh

	message := []byte("ping")
	if err := clientPort.Sender().Send(ctx, message); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := serverPort.Receiver().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(received) != "ping" {
		t.Fatalf("expected %q, got %q", "ping", received)
	}

	if err := serverPort.Sender().Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	reply, err := clientPort.Receiver().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv reply: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("expected %q, got %q", "pong", reply)
	}

	if err := clientPort.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if err := serverPort.Close(); err != nil {
		t.Fatalf("server Close: %v", err)
	}
}

func TestFinishObservedAsDone(t *testing.T) {
	client, server := testPair(t)
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

	if err := clientPort.Sender().Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	result, err := serverPort.Receiver().RecvAny(ctx)
	if err != nil {
		t.Fatalf("RecvAny: %v", err)
	}
	if !result.Done {
		t.Fatal("expected Done after remote Finish")
	}
}

func TestMultiChunkMessage(t *testing.T) {
	client, server := testPair(t)
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

	client.configuration.ChunkSize = 4
	payload := []byte("0123456789abcdef")
	if err := clientPort.Sender().Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received, err := serverPort.Receiver().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(received) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, received)
	}
}
