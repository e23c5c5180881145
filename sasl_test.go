package amqp

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestConnSASLPlainRegistersHandler(t *testing.T) {
	c := &conn{}

	opt := ConnSASLPlain("user", "pass")
	if err := opt(c); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.saslHandlers[saslMechanismPLAIN]; !ok {
		t.Fatalf("ConnSASLPlain did not register a handler for %q", saslMechanismPLAIN)
	}
}

func TestSaslHandlerPlainInit(t *testing.T) {
	netConn := &loopbackConn{}
	c := &conn{net: netConn}

	h := &saslHandlerPlain{c: c, username: "user", password: "pass"}
	next := h.init()

	if c.err != nil {
		t.Fatalf("unexpected error: %v", c.err)
	}
	if next == nil {
		t.Fatalf("expected init to advance the state machine")
	}

	fr, err := parseFrameHeader(bytes.NewReader(netConn.written[:frameHeaderSize]))
	if err != nil {
		t.Fatal(err)
	}
	if fr.FrameType != frameTypeSASL {
		t.Errorf("expected a sasl frame, got type %d", fr.FrameType)
	}

	body, err := parseFrameBody(bytes.NewBuffer(netConn.written[frameHeaderSize:]))
	if err != nil {
		t.Fatal(err)
	}
	init, ok := body.(*saslInit)
	if !ok {
		t.Fatalf("expected *saslInit, got %T", body)
	}
	if init.Mechanism != saslMechanismPLAIN {
		t.Errorf("mechanism: want %q, got %q", saslMechanismPLAIN, init.Mechanism)
	}
	if want := "\x00user\x00pass"; string(init.InitialResponse) != want {
		t.Errorf("initial response: want %q, got %q", want, init.InitialResponse)
	}
}

// netConnStub is a net.Conn with no-op implementations of everything but
// Read/Write, so tests can embed it and override only what they exercise.
type netConnStub struct{}

func (netConnStub) Read(b []byte) (int, error)         { return 0, nil }
func (netConnStub) Write(b []byte) (int, error)         { return len(b), nil }
func (netConnStub) Close() error                        { return nil }
func (netConnStub) LocalAddr() net.Addr                 { return nil }
func (netConnStub) RemoteAddr() net.Addr                { return nil }
func (netConnStub) SetDeadline(t time.Time) error       { return nil }
func (netConnStub) SetReadDeadline(t time.Time) error   { return nil }
func (netConnStub) SetWriteDeadline(t time.Time) error  { return nil }

// loopbackConn is a minimal net.Conn stand-in that captures everything
// written to it, used to assert on the bytes a stateFunc puts on the wire
// without a real socket.
type loopbackConn struct {
	netConnStub
	written []byte
}

func (l *loopbackConn) Write(p []byte) (int, error) {
	l.written = append(l.written, p...)
	return len(p), nil
}
