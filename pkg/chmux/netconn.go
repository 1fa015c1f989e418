package chmux

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// connDeadline tracks one direction's deadline for a portConn: a timer that
// closes the current cancellation channel when the deadline passes. It
// follows the deadline helper the standard library uses for net.Pipe, which
// is also the semantics nettest expects: setting a deadline in the past
// immediately unblocks pending operations, and clearing it re-arms the
// channel.
type connDeadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func makeConnDeadline() connDeadline {
	return connDeadline{cancel: make(chan struct{})}
}

// set updates the deadline, closing the current cancellation channel if the
// deadline has already passed and re-arming it otherwise.
func (d *connDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel
	}
	d.timer = nil

	closed := isClosedChan(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}
	if duration := time.Until(t); duration > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(duration, func() {
			close(cancel)
		})
		return
	}
	if !closed {
		close(d.cancel)
	}
}

// wait returns the channel closed when the deadline passes.
func (d *connDeadline) wait() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

// portConn adapts a data-only Port to the net.Conn interface, so that
// existing code written against net.Conn (proxies, io.Copy pipelines, the
// golang.org/x/net/nettest conformance suite) can run directly over a chmux
// port. It reassembles a byte stream out of whole received messages, so
// message boundaries are not preserved, matching ordinary TCP-socket
// semantics.
type portConn struct {
	port       *Port
	localAddr  portAddr
	remoteAddr portAddr

	closeOnce sync.Once
	closed    chan struct{}

	readDeadline  connDeadline
	writeDeadline connDeadline

	// readMu serializes readers; readBuffer holds the unread remainder of
	// the last received message and readErr latches the first terminal read
	// error so subsequent calls report it consistently.
	readMu     sync.Mutex
	readBuffer []byte
	readErr    error

	// writeMu serializes writers.
	writeMu sync.Mutex
}

// NetConn exposes port as a net.Conn. localAddr and remoteAddr are used
// only for LocalAddr/RemoteAddr's diagnostic String output.
func NetConn(port *Port, localAddr, remoteAddr string) net.Conn {
	return &portConn{
		port:          port,
		localAddr:     portAddr{multiplexerAddr: localAddr, port: port.ID()},
		remoteAddr:    portAddr{multiplexerAddr: remoteAddr, port: port.ID()},
		closed:        make(chan struct{}),
		readDeadline:  makeConnDeadline(),
		writeDeadline: makeConnDeadline(),
	}
}

// opContext derives a context that is cancelled when the conn is closed or
// the given deadline channel fires, so that a blocking port operation can
// be interrupted by Close and SetDeadline. The returned stop function
// releases the watcher.
func (c *portConn) opContext(deadline chan struct{}) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-deadline:
			cancel()
		case <-stopped:
		}
	}()
	return ctx, func() {
		close(stopped)
		cancel()
	}
}

// opError maps an interrupted operation to the conventional net.Conn error:
// net.ErrClosed if the conn was closed, os.ErrDeadlineExceeded if the
// deadline fired.
func (c *portConn) opError(deadline chan struct{}, err error) error {
	if isClosedChan(c.closed) {
		return net.ErrClosed
	}
	if isClosedChan(deadline) {
		return os.ErrDeadlineExceeded
	}
	return err
}

func (c *portConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuffer) > 0 {
		n := copy(b, c.readBuffer)
		c.readBuffer = c.readBuffer[n:]
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if isClosedChan(c.closed) {
		return 0, net.ErrClosed
	}
	deadline := c.readDeadline.wait()
	if isClosedChan(deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	ctx, stop := c.opContext(deadline)
	defer stop()

	data, err := c.port.Receiver().Recv(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, c.opError(deadline, err)
		}
		if err == ErrMultiplexerClosed {
			c.readErr = err
		}
		return 0, err
	}
	if data == nil {
		c.readErr = io.EOF
		return 0, io.EOF
	}
	n := copy(b, data)
	if n < len(data) {
		c.readBuffer = data[n:]
	}
	return n, nil
}

func (c *portConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if isClosedChan(c.closed) {
		return 0, net.ErrClosed
	}
	deadline := c.writeDeadline.wait()
	if isClosedChan(deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	ctx, stop := c.opContext(deadline)
	defer stop()

	if err := c.port.Sender().Send(ctx, b); err != nil {
		if ctx.Err() != nil {
			return 0, c.opError(deadline, err)
		}
		return 0, err
	}
	return len(b), nil
}

func (c *portConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return c.port.Close()
}

func (c *portConn) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *portConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *portConn) SetDeadline(t time.Time) error {
	if isClosedChan(c.closed) {
		return net.ErrClosed
	}
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *portConn) SetReadDeadline(t time.Time) error {
	if isClosedChan(c.closed) {
		return net.ErrClosed
	}
	c.readDeadline.set(t)
	return nil
}

func (c *portConn) SetWriteDeadline(t time.Time) error {
	if isClosedChan(c.closed) {
		return net.ErrClosed
	}
	c.writeDeadline.set(t)
	return nil
}
