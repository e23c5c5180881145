package amqp

// SASL Codes
const (
	codeSASLOK      saslCode = iota // Connection authentication succeeded.
	codeSASLAuth                    // Connection authentication failed due to an unspecified problem with the supplied credentials.
	codeSASLSys                     // Connection authentication failed due to a system error.
	codeSASLSysPerm                 // Connection authentication failed due to a system error that is unlikely to be corrected without intervention.
	codeSASLSysTemp                 // Connection authentication failed due to a transient system error.
)

// saslCode is the four-bit outcome code carried in a sasl-outcome frame.
type saslCode int

func (s saslCode) marshal(wr writer) error {
	return marshal(wr, int(s))
}

func (s *saslCode) unmarshal(r reader) error {
	_, err := unmarshal(r, (*int)(s))
	return err
}

// SASL mechanism names, as advertised by the peer in sasl-mechanisms.
const (
	saslMechanismPLAIN symbol = "PLAIN"
)

// ConnSASLPlain enables SASL PLAIN authentication for the connection. The
// handler is only invoked if the peer advertises PLAIN among its supported
// mechanisms during SASL negotiation.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismPLAIN] = (&saslHandlerPlain{
			c:        c,
			username: username,
			password: password,
		}).init
		return nil
	}
}

// saslHandlerPlain drives the SASL PLAIN exchange: a single sasl-init frame
// carrying the concatenated authzid/authcid/password response, per RFC 4616.
type saslHandlerPlain struct {
	c        *conn
	username string
	password string
}

func (h *saslHandlerPlain) init() stateFunc {
	h.c.err = h.c.txFrame(frame{
		typ: frameTypeSASL,
		body: &saslInit{
			Mechanism:       saslMechanismPLAIN,
			InitialResponse: []byte("\x00" + h.username + "\x00" + h.password),
		},
	})
	if h.c.err != nil {
		return nil
	}

	return h.c.saslOutcome
}
