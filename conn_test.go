package amqp

import (
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

// TestConnMuxShutsDownCleanly exercises connReader and mux the way
// integration_test.go used to against a real broker, but over a net.Pipe so
// it needs nothing running. leaktest.Check catches either goroutine leaking
// past conn.close().
func TestConnMuxShutsDownCleanly(t *testing.T) {
	defer leaktest.Check(t)()

	client, server := net.Pipe()
	defer server.Close()

	c := &conn{
		net:        client,
		done:       make(chan struct{}),
		readErr:    make(chan error, 1),
		rxProto:    make(chan protoHeader),
		rxFrame:    make(chan frame),
		newSession: make(chan *Session),
		delSession: make(chan *Session),
	}

	go c.connReader()
	go c.mux()

	// let both goroutines reach their blocking selects before tearing down.
	time.Sleep(10 * time.Millisecond)

	if err := c.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
