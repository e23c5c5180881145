package amqp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

// fakePeer drives the raw wire protocol directly, standing in for a broker
// in tests that exercise a Session/Sender/Receiver without a live server.
type fakePeer struct {
	net.Conn
}

func (p *fakePeer) readFrame() (frame, error) {
	var hdr [8]byte
	if _, err := readFull(p.Conn, hdr[:]); err != nil {
		return frame{}, err
	}

	fh, err := parseFrameHeader(bytes.NewReader(hdr[:]))
	if err != nil {
		return frame{}, err
	}

	fr := frame{typ: fh.FrameType, channel: fh.Channel}
	bodySize := int(fh.Size) - frameHeaderSize
	if bodySize > 0 {
		body := make([]byte, bodySize)
		if _, err := readFull(p.Conn, body); err != nil {
			return frame{}, err
		}
		fr.body, err = parseFrameBody(bytes.NewBuffer(body))
		if err != nil {
			return frame{}, err
		}
	}
	return fr, nil
}

func (p *fakePeer) writeFrame(fr frame) error {
	buf := &bytes.Buffer{}
	if err := writeFrame(buf, fr); err != nil {
		return err
	}
	_, err := p.Conn.Write(buf.Bytes())
	return err
}

// newTestSession builds a Session whose mux is running against one end of a
// net.Pipe, with the other end available as server for a test to drive
// directly, bypassing the Open/Begin handshake entirely.
func newTestSession(t *testing.T, peerMaxFrameSize uint32, remoteIncomingWindow uint32) (*Session, *fakePeer, func()) {
	t.Helper()

	client, server := net.Pipe()
	c := &conn{
		net:              client,
		maxFrameSize:     peerMaxFrameSize,
		peerMaxFrameSize: peerMaxFrameSize,
		done:             make(chan struct{}),
	}
	s := newSession(c, 0)
	s.remoteIncomingWindow = remoteIncomingWindow

	go s.mux()

	cleanup := func() {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		client.Close()
		server.Close()
	}

	return s, &fakePeer{Conn: server}, cleanup
}

// A send blocked on link-credit emits nothing on the wire until a Flow
// grants credit, and then emits exactly one Transfer.
func TestSenderBlocksOnCreditThenSendsOne(t *testing.T) {
	defer leaktest.Check(t)()

	s, peer, cleanup := newTestSession(t, 4096, 1<<20)
	defer cleanup()

	l := newLink(s)
	l.role = roleSender
	l.rx = make(chan frameBody, 1)
	settled := ModeSettled
	l.senderSettleMode = &settled

	sender := &Sender{link: l}

	done := make(chan error, 1)
	go func() {
		done <- sender.transfer(context.Background(), []byte("hello"), deliveryID(0))
	}()

	frameCh := make(chan frame, 1)
	errCh := make(chan error, 1)
	go func() {
		fr, err := peer.readFrame()
		if err != nil {
			errCh <- err
			return
		}
		frameCh <- fr
	}()

	select {
	case <-frameCh:
		t.Fatal("transfer sent before credit was granted")
	case err := <-errCh:
		t.Fatalf("readFrame: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	credit := uint32(1)
	l.rx <- &performFlow{LinkCredit: &credit}

	select {
	case fr := <-frameCh:
		tr, ok := fr.body.(*performTransfer)
		if !ok {
			t.Fatalf("expected Transfer, got %T", fr.body)
		}
		if tr.More {
			t.Error("expected More=false for a single-fragment transfer")
		}
		if string(tr.Payload) != "hello" {
			t.Errorf("expected payload %q, got %q", "hello", tr.Payload)
		}
	case err := <-errCh:
		t.Fatalf("readFrame: %v", err)
	case <-time.After(time.Second):
		t.Fatal("transfer not sent after credit granted")
	}

	if err := <-done; err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

// A message 2.5x the negotiated max-frame-size fragments into exactly 3
// Transfers with correct more flags, and the fragments reassemble
// byte-identical to the original payload.
func TestSenderFragmentsLargeTransfer(t *testing.T) {
	defer leaktest.Check(t)()

	const maxFrameSize = 1024
	s, peer, cleanup := newTestSession(t, maxFrameSize, 1<<20)
	defer cleanup()

	l := newLink(s)
	l.role = roleSender
	l.rx = make(chan frameBody, 1)
	settled := ModeSettled
	l.senderSettleMode = &settled

	sender := &Sender{link: l}
	sender.credit = 1 << 20 // credit is not under test here

	maxPayload := int(maxFrameSize) - frameHeaderSize - transferOverhead
	payloadLen := maxPayload*2 + maxPayload/2
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		done <- sender.transfer(context.Background(), payload, deliveryID(0))
	}()

	var reassembled []byte
	var fragments []*performTransfer
	for i := 0; i < 3; i++ {
		fr, err := peer.readFrame()
		if err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}
		tr, ok := fr.body.(*performTransfer)
		if !ok {
			t.Fatalf("frame %d: expected Transfer, got %T", i, fr.body)
		}
		fragments = append(fragments, tr)
		reassembled = append(reassembled, tr.Payload...)
	}

	if err := <-done; err != nil {
		t.Fatalf("transfer: %v", err)
	}

	for i, tr := range fragments {
		wantMore := i != len(fragments)-1
		if tr.More != wantMore {
			t.Errorf("fragment %d: More = %v, want %v", i, tr.More, wantMore)
		}
	}

	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled payload does not match original")
	}
}

// A protocol-version mismatch during negotiation surfaces as a
// ProtocolError carrying the amqp:connection:framing-error condition.
func TestDialVersionMismatchIsFramingError(t *testing.T) {
	defer leaktest.Check(t)()

	client, server := net.Pipe()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := New(client)
		errCh <- err
	}()

	var hdr [8]byte
	if _, err := readFull(server, hdr[:]); err != nil {
		t.Fatalf("reading client proto header: %v", err)
	}

	// echo back a bogus, unsupported major version.
	if _, err := server.Write([]byte{'A', 'M', 'Q', 'P', 0, 9, 0, 0}); err != nil {
		t.Fatalf("writing proto header: %v", err)
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected an error from New, got nil")
	}

	var connErr ConnError
	if ce, ok := err.(ConnError); ok {
		connErr = ce
	} else {
		t.Fatalf("expected ConnError, got %T: %v", err, err)
	}

	protoErr, ok := connErr.Cause().(ProtocolError)
	if !ok {
		t.Fatalf("expected ProtocolError cause, got %T: %v", connErr.Cause(), connErr.Cause())
	}

	amqpErr, ok := protoErr.Cause().(*Error)
	if !ok {
		t.Fatalf("expected *Error cause, got %T: %v", protoErr.Cause(), protoErr.Cause())
	}
	if amqpErr.Condition != ErrorFramingError {
		t.Errorf("Condition = %q, want %q", amqpErr.Condition, ErrorFramingError)
	}
}

// A closing detach frees the link's handle for reuse; a non-closing
// detach leaves it reserved.
func TestHandleReuseAfterDetach(t *testing.T) {
	defer leaktest.Check(t)()

	s, peer, cleanup := newTestSession(t, 4096, 1<<20)
	defer cleanup()

	// drain whatever the session writes (detach frames) so close() never
	// blocks on the pipe.
	go func() {
		for {
			if _, err := peer.readFrame(); err != nil {
				return
			}
		}
	}()

	l1 := newLink(s)
	l1.rx = make(chan frameBody, 1)
	if err := s.allocate(l1); err != nil {
		t.Fatalf("allocate l1: %v", err)
	}

	l2 := newLink(s)
	l2.rx = make(chan frameBody, 1)
	if err := s.allocate(l2); err != nil {
		t.Fatalf("allocate l2: %v", err)
	}

	if l1.handle == l2.handle {
		t.Fatalf("expected distinct handles, got %d and %d", l1.handle, l2.handle)
	}

	// peer sends a non-closing detach for l2: l2's handle must stay
	// reserved, not freed for a new allocation.
	l2.detachReceived = true

	l3 := newLink(s)
	l3.rx = make(chan frameBody, 1)
	if err := s.allocate(l3); err != nil {
		t.Fatalf("allocate l3: %v", err)
	}
	if l3.handle == l2.handle {
		t.Fatalf("handle %d reused after a non-closing detach", l2.handle)
	}

	// a closing detach (l1.close()) frees l1's handle; the next allocation
	// reuses it. detachReceived is set first to simulate the peer's own
	// closing detach having already arrived, so close() doesn't block
	// waiting for one.
	l1.detachReceived = true
	l1.close()

	l4 := newLink(s)
	l4.rx = make(chan frameBody, 1)
	if err := s.allocate(l4); err != nil {
		t.Fatalf("allocate l4: %v", err)
	}
	if l4.handle != l1.handle {
		t.Errorf("expected handle %d to be reused, got %d", l1.handle, l4.handle)
	}
}
