package amqp

import (
	"bytes"
	"fmt"
	"net"
	"time"
)

// Connection defaults, used when no ConnOption overrides them.
const (
	DefaultMaxFrameSize     = 65536
	DefaultChannelMax       = 65535
	DefaultIdleTimeout      = 1 * time.Minute
	DefaultOperationTimeout = 30 * time.Second
)

const (
	defaultMaxFrameSize = DefaultMaxFrameSize
	defaultChannelMax   = DefaultChannelMax
	defaultIdleTimeout  = DefaultIdleTimeout

	// minMaxFrameSize is the smallest max-frame-size a peer may request,
	// per the protocol (8 bytes header + something for the body).
	minMaxFrameSize = 512
)

// stateFunc is a connection-establishment state. Each stateFunc performs
// one step of the handshake (protocol header exchange, SASL negotiation,
// the Open exchange) and returns the next stateFunc, or nil once
// negotiation has completed or failed.
type stateFunc func() stateFunc

// ConnOption configures a conn. Options are applied before the connection
// establishment state machine runs, so they can only affect a connection
// that has not yet negotiated.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the Open performative.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLS records whether TLS is requested for the connection. The setting
// is only stored; no TLS handshake is performed.
func ConnTLS(enable bool) ConnOption {
	return func(c *conn) error {
		c.tlsNegotiation = enable
		return nil
	}
}

// ConnMaxFrameSize sets the maximum frame size this client is willing to
// receive. The value actually used is min(n, the peer's max-frame-size).
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < minMaxFrameSize {
			return errorNew("max-frame-size must be >= 512")
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the maximum channel number this client is willing to
// use. The value actually used is min(channelMax, the peer's channel-max).
func ConnChannelMax(channelMax uint16) ConnOption {
	return func(c *conn) error {
		c.channelMax = channelMax
		return nil
	}
}

// ConnIdleTimeout sets the idle-time-out advertised to the peer in the Open
// performative. If nothing is received from the peer within this interval,
// the mux closes the connection with amqp:resource-limit-exceeded. Keepalive
// empty frames are sent at half the peer's advertised idle-time-out, or at
// half this interval when the peer advertises none.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errorNew("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnContainerID sets the container-id sent in the Open performative.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnTraceLog installs a trace hook invoked with a printf-style format and
// arguments for protocol-level events (frames sent/received, state
// transitions). The default is nil, i.e. silence.
func ConnTraceLog(log func(format string, v ...interface{})) ConnOption {
	return func(c *conn) error {
		c.traceLog = log
		return nil
	}
}

func (c *conn) trace(format string, v ...interface{}) {
	if c.traceLog != nil {
		c.traceLog(format, v...)
	}
}

// conn manages an AMQP connection: the protocol header handshake, optional
// SASL negotiation, the Open exchange, and the mux loop that demultiplexes
// incoming frames to Sessions by channel and serializes outgoing frames
// onto the wire.
type conn struct {
	net         net.Conn
	containerID string
	hostname    string

	tlsNegotiation bool

	maxFrameSize     uint32 // our limit, sent in Open
	peerMaxFrameSize uint32 // negotiated: min(ours, peer's)
	channelMax       uint16 // negotiated: min(ours, peer's)
	idleTimeout      time.Duration

	traceLog func(format string, v ...interface{})

	// ourIdleTimeout is the idle-timeout we advertised in our Open: the
	// interval within which the peer must send us something or we close
	// the connection with amqp:resource-limit-exceeded. idleTimeout
	// (above) gets overwritten by rxOpen with the peer's own advertised
	// value, which is a different number used for the opposite purpose
	// (how often we must send the peer a keepalive), so this is kept
	// separately.
	ourIdleTimeout time.Duration

	err error

	// SASL
	saslHandlers map[symbol]stateFunc
	saslComplete bool

	// done is closed once, when mux exits, to unblock everyone waiting on
	// the connection.
	done chan struct{}

	// readErr carries the error that ended connReader's loop. Buffered so
	// connReader never blocks delivering it.
	readErr chan error

	rxProto chan protoHeader
	rxFrame chan frame

	newSession chan *Session
	delSession chan *Session
}

// connErr wraps c.err, the state machine's or mux's terminal error, as a
// ConnError for callers that unblocked on c.done. Safe to call once c.err is
// still nil (e.g. a graceful Close): reports a plain "connection closed".
func (c *conn) connErr() error {
	return ConnError{inner: c.err}
}

// close tears down the network connection and unblocks anyone waiting on
// c.done. Safe to call more than once.
func (c *conn) close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.net.Close()
}

// txFrame encodes fr and writes it to the wire.
func (c *conn) txFrame(fr frame) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	err := writeFrame(buf, fr)
	if err != nil {
		return err
	}

	c.trace("tx: %+v", fr.body)

	_, err = c.net.Write(buf.Bytes())
	return err
}

// connReader is the connection's sole reader. It runs for the lifetime of
// the conn, starting before protocol negotiation, and forwards what it
// reads to rxProto or rxFrame depending on which 8-byte header it sees. Any
// read error ends the loop and is delivered on readErr.
//
// A protocol header and a frame header are both exactly 8 bytes, but a
// protocol header always begins with the literal "AMQP" while a frame
// header's first 4 bytes are its big-endian size - a value that would have
// to be absurdly, impossibly large to collide with "AMQP"'s bytes. This
// lets a single reader serve both the handshake and the steady-state frame
// stream without the state machine and the reader needing to coordinate
// which one is expected next.
func (c *conn) connReader() {
	var headerBuf [8]byte

	bodyBuf := make([]byte, initialMaxFrameSize)

	for {
		_, err := readFull(c.net, headerBuf[:])
		if err != nil {
			c.readErr <- err
			return
		}

		if bytes.Equal(headerBuf[:4], []byte("AMQP")) {
			p, err := parseProtoHeader(bytes.NewReader(headerBuf[:]))
			if err != nil {
				c.readErr <- ProtocolError{inner: &Error{
					Condition:   ErrorFramingError,
					Description: err.Error(),
				}}
				return
			}
			select {
			case c.rxProto <- p:
			case <-c.done:
				return
			}
			continue
		}

		fh, err := parseFrameHeader(bytes.NewReader(headerBuf[:]))
		if err != nil {
			c.readErr <- err
			return
		}
		if fh.Size < frameHeaderSize {
			c.readErr <- ProtocolError{inner: &Error{
				Condition:   ErrorFramingError,
				Description: fmt.Sprintf("malformed frame: size %d smaller than header", fh.Size),
			}}
			return
		}
		if c.maxFrameSize > 0 && fh.Size > c.maxFrameSize {
			c.readErr <- ProtocolError{inner: &Error{
				Condition:   ErrorFramingError,
				Description: fmt.Sprintf("frame size %d exceeds negotiated max-frame-size %d", fh.Size, c.maxFrameSize),
			}}
			return
		}

		bodySize := int(fh.Size) - frameHeaderSize
		if cap(bodyBuf) < bodySize {
			bodyBuf = make([]byte, bodySize)
		}
		body := bodyBuf[:bodySize]
		if bodySize > 0 {
			_, err = readFull(c.net, body)
			if err != nil {
				c.readErr <- err
				return
			}
		}

		fr := frame{typ: fh.FrameType, channel: fh.Channel}
		if bodySize > 0 {
			fr.body, err = parseFrameBody(bytes.NewBuffer(body))
			if err != nil {
				c.readErr <- DecodeError{inner: err}
				return
			}
		}

		c.trace("rx: %+v", fr.body)

		select {
		case c.rxFrame <- fr:
		case <-c.done:
			return
		}
	}
}

const initialMaxFrameSize = 512

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// negotiateProto begins the connection-establishment state machine: it
// writes our protocol header (SASL if any SASL handler is configured,
// otherwise AMQP directly) and starts the chain that ends with Open
// exchanged and the mux ready to start.
func (c *conn) negotiateProto() stateFunc {
	if len(c.saslHandlers) > 0 && !c.saslComplete {
		return c.exchangeProtoHeader(protoSASL)
	}
	return c.exchangeProtoHeader(protoAMQP)
}

// exchangeProtoHeader writes our protocol header for proto, reads the
// peer's, and dispatches to the next stateFunc for that protocol.
func (c *conn) exchangeProtoHeader(proto protoID) stateFunc {
	c.err = c.writeProtoHeader(proto)
	if c.err != nil {
		return nil
	}

	var p protoHeader
	select {
	case p = <-c.rxProto:
	case err := <-c.readErr:
		c.err = err
		return nil
	case <-c.done:
		return nil
	}

	if p.ProtoID != proto {
		c.err = ProtocolError{inner: &Error{
			Condition:   ErrorFramingError,
			Description: fmt.Sprintf("unexpected protocol header %+v", p),
		}}
		return nil
	}

	switch proto {
	case protoAMQP:
		return c.txOpen
	case protoSASL:
		return c.protoSASL
	default:
		c.err = ProtocolError{inner: errorErrorf("unsupported protocol id %x", proto)}
		return nil
	}
}

func (c *conn) writeProtoHeader(proto protoID) error {
	_, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', byte(proto), 1, 0, 0})
	return err
}

// protoSASL reads the peer's sasl-mechanisms and hands off to whichever
// configured saslHandler matches one of the advertised mechanisms.
func (c *conn) protoSASL() stateFunc {
	fr, err := c.nextFrame()
	if err != nil {
		c.err = err
		return nil
	}

	sm, ok := fr.body.(*saslMechanisms)
	if !ok {
		c.err = ProtocolError{inner: errorErrorf("expected sasl-mechanisms, got %T", fr.body)}
		return nil
	}

	for _, mech := range sm.Mechanisms {
		if handler, ok := c.saslHandlers[mech]; ok {
			return handler
		}
	}

	c.err = ProtocolError{inner: errorErrorf("no supported sasl mechanism, peer offered %v", sm.Mechanisms)}
	return nil
}

// saslOutcome reads the peer's sasl-outcome. On success it loops back to
// negotiateProto, which re-exchanges the protocol header as plain AMQP.
func (c *conn) saslOutcome() stateFunc {
	fr, err := c.nextFrame()
	if err != nil {
		c.err = err
		return nil
	}

	so, ok := fr.body.(*saslOutcome)
	if !ok {
		c.err = ProtocolError{inner: errorErrorf("expected sasl-outcome, got %T", fr.body)}
		return nil
	}

	if so.Code != codeSASLOK {
		c.err = ProtocolError{inner: errorErrorf("sasl authentication failed: code %d", so.Code)}
		return nil
	}

	c.saslComplete = true
	return c.negotiateProto
}

// txOpen sends our Open performative.
func (c *conn) txOpen() stateFunc {
	// capture our own advertised idle-timeout before rxOpen overwrites
	// c.idleTimeout with the peer's: the two get used for opposite
	// purposes (see ourIdleTimeout's field comment).
	c.ourIdleTimeout = c.idleTimeout

	c.err = c.txFrame(frame{
		typ:     frameTypeAMQP,
		channel: 0,
		body: &performOpen{
			ContainerID:  c.containerID,
			Hostname:     c.hostname,
			MaxFrameSize: c.maxFrameSize,
			ChannelMax:   c.channelMax,
			IdleTimeout:  c.idleTimeout,
		},
	})
	if c.err != nil {
		return nil
	}
	return c.rxOpen
}

// rxOpen reads the peer's Open performative and negotiates the
// connection-wide limits down to the smaller of our and the peer's values.
func (c *conn) rxOpen() stateFunc {
	fr, err := c.nextFrame()
	if err != nil {
		c.err = err
		return nil
	}

	o, ok := fr.body.(*performOpen)
	if !ok {
		c.err = ProtocolError{inner: errorErrorf("expected open, got %T", fr.body)}
		return nil
	}

	c.peerMaxFrameSize = c.maxFrameSize
	if o.MaxFrameSize > 0 && o.MaxFrameSize < c.peerMaxFrameSize {
		c.peerMaxFrameSize = o.MaxFrameSize
	}
	if o.ChannelMax > 0 && o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	// negotiated-idle-timeout is not a min(): each peer uses the other's
	// advertised value to time its own keepalives, so our send cadence is
	// driven by the peer's number, not ours. c.ourIdleTimeout (captured in
	// txOpen) remains our own value, used by mux to detect the peer going
	// silent.
	if o.IdleTimeout > 0 {
		c.idleTimeout = o.IdleTimeout
	}

	return nil
}

// nextFrame blocks until connReader delivers the next frame, the
// connection closes, or connReader reports a read error.
func (c *conn) nextFrame() (frame, error) {
	select {
	case fr := <-c.rxFrame:
		return fr, nil
	case err := <-c.readErr:
		return frame{}, err
	case <-c.done:
		return frame{}, errorNew("connection closed")
	}
}

// mux is the connection's steady-state goroutine. It owns the session
// table, hands out channel numbers to newly-opened Sessions, routes
// incoming frames to the Session for their channel, and emits idle-timeout
// keepalive frames.
func (c *conn) mux() {
	defer c.close()

	sessions := make(map[uint16]*Session)
	var nextChannel uint16

	var keepalive <-chan time.Time
	if c.idleTimeout > 0 {
		ticker := time.NewTicker(c.idleTimeout / 2)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	// idleWatchdog fires if nothing at all is received for ourIdleTimeout,
	// the value we advertised in our own Open: §2.4.5 requires closing with
	// amqp:resource-limit-exceeded when the peer goes silent past that.
	var idleWatchdog *time.Timer
	var idleWatchdogC <-chan time.Time
	if c.ourIdleTimeout > 0 {
		idleWatchdog = time.NewTimer(c.ourIdleTimeout)
		defer idleWatchdog.Stop()
		idleWatchdogC = idleWatchdog.C
	}

	for {
		offer := newSession(c, nextChannel)

		select {
		case c.newSession <- offer:
			sessions[nextChannel] = offer
			nextChannel++

		case s := <-c.delSession:
			delete(sessions, s.channel)

		case err := <-c.readErr:
			c.err = err
			return

		case fr := <-c.rxFrame:
			if idleWatchdog != nil {
				idleWatchdog.Reset(c.ourIdleTimeout)
			}

			if fr.body == nil {
				// empty frame, used by the peer as a keepalive
				continue
			}

			s, ok := sessions[fr.channel]
			if !ok {
				c.err = ProtocolError{inner: errorErrorf("frame received on unknown channel %d", fr.channel)}
				return
			}

			select {
			case s.rx <- fr:
			case <-c.done:
				return
			}

		case <-keepalive:
			if err := c.txFrame(frame{typ: frameTypeAMQP, channel: 0}); err != nil {
				c.err = err
				return
			}

		case <-idleWatchdogC:
			c.err = ProtocolError{inner: &Error{
				Condition:   ErrorResourceLimitExceeded,
				Description: fmt.Sprintf("no frame received for %s", c.ourIdleTimeout),
			}}
			return

		case <-c.done:
			return
		}
	}
}
