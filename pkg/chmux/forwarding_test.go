package chmux

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPortHandoffRoundTrip(t *testing.T) {
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

	carrierClient, err := client.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	carrierServer := <-serverPortCh

	// Serialize a channel endpoint: guard it with an interlock, allocate the
	// embedded port, and send it over the carrier port.
	lock := NewInterlock()
	confirmation, err := lock.StartSend()
	if err != nil {
		t.Fatalf("StartSend: %v", err)
	}
	resolvedCh := make(chan *Port, 1)
	pending, err := client.PortSerializer().Connect(func(port *Port, err error) {
		if err != nil {
			confirmation.Release()
			return
		}
		confirmation.Confirm()
		resolvedCh <- port
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if lock.SenderLocal() {
		t.Fatal("expected endpoint to refuse local use while the hand-off is in flight")
	}
	if err := carrierClient.Sender().SendPorts(ctx, []*PendingPort{pending}); err != nil {
		t.Fatalf("SendPorts: %v", err)
	}

	// Deserialize on the peer.
	result, err := carrierServer.Receiver().RecvAny(ctx)
	if err != nil {
		t.Fatalf("RecvAny: %v", err)
	}
	if len(result.Requests) != 1 {
		t.Fatalf("expected 1 embedded open request, got %+v", result)
	}
	forwardedServer, err := result.Requests[0].Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	var forwardedClient *Port
	select {
	case forwardedClient = <-resolvedCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the hand-off to resolve")
	}
	select {
	case <-confirmation.Done():
	default:
		t.Fatal("expected the hand-off confirmation to have fired")
	}

	// Round-trip a payload on the forwarded port.
	if err := forwardedClient.Sender().Send(ctx, []byte("over the forwarded port")); err != nil {
		t.Fatalf("Send on forwarded port: %v", err)
	}
	data, err := forwardedServer.Receiver().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv on forwarded port: %v", err)
	}
	if string(data) != "over the forwarded port" {
		t.Fatalf("unexpected payload %q", data)
	}

	// Closing the carrier port must not affect the forwarded port.
	if err := carrierClient.Close(); err != nil {
		t.Fatalf("carrier Close: %v", err)
	}
	if err := forwardedServer.Sender().Send(ctx, []byte("still alive")); err != nil {
		t.Fatalf("Send after carrier close: %v", err)
	}
	reply, err := forwardedClient.Receiver().Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after carrier close: %v", err)
	}
	if string(reply) != "still alive" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestRejectedHandoffResolvesWithError(t *testing.T) {
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

	carrierClient, err := client.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	carrierServer := <-serverPortCh

	pending, err := client.PortSerializer().Connect(nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := carrierClient.Sender().SendPorts(ctx, []*PendingPort{pending}); err != nil {
		t.Fatalf("SendPorts: %v", err)
	}

	result, err := carrierServer.Receiver().RecvAny(ctx)
	if err != nil {
		t.Fatalf("RecvAny: %v", err)
	}
	if len(result.Requests) != 1 {
		t.Fatalf("expected 1 embedded open request, got %+v", result)
	}
	if err := result.Requests[0].Reject("not wanted"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := pending.Wait(ctx); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
