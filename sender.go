package amqp

import (
	"bytes"
	"context"

	"github.com/google/uuid"
)

// transferOverhead is a rough upper bound on the non-payload bytes a
// performTransfer frame adds, used to size outgoing fragments so a frame
// never exceeds the peer's max-frame-size.
const transferOverhead = 64

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l := newLink(s)
	l.role = roleSender

	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	l.rx = make(chan frameBody, 1)

	if err := s.allocate(l); err != nil {
		return nil, err
	}

	err := s.txFrame(&performAttach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               roleSender,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		Target: &target{
			Address: l.addr,
			Dynamic: l.dynamicAddr,
		},
		InitialDeliveryCount: 0,
	})
	if err != nil {
		return nil, err
	}

	var fr frameBody
	select {
	case <-s.conn.done:
		return nil, s.conn.connErr()
	case fr = <-l.rx:
	}
	resp, ok := fr.(*performAttach)
	if !ok {
		return nil, LinkError{inner: errorErrorf("unexpected attach response: %+v", fr)}
	}

	if resp.Target != nil {
		l.addr = resp.Target.Address
	}

	return &Sender{link: l}, nil
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	link *link

	credit        uint32
	deliveryCount uint32
}

// Address returns the sender's negotiated target address.
func (s *Sender) Address() string {
	return s.link.Address()
}

// Send transmits msg and, unless the link's sender settlement mode is
// ModeSettled, blocks until the receiver has settled the delivery.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	if err := marshal(buf, msg); err != nil {
		return err
	}
	payload := append([]byte(nil), buf.Bytes()...)

	select {
	case <-s.link.session.conn.done:
		return s.link.session.conn.connErr()
	case <-ctx.Done():
		return ctx.Err()
	case id := <-s.link.session.nextDeliveryID:
		return s.transfer(ctx, payload, id)
	}
}

func (s *Sender) transfer(ctx context.Context, payload []byte, id deliveryID) error {
	l := s.link
	idU32 := uint32(id)
	deliveryTag := []byte(uuid.New().String())

	settled := l.senderSettleMode != nil && *l.senderSettleMode == ModeSettled

	maxPayload := int(l.session.conn.peerMaxFrameSize) - frameHeaderSize - transferOverhead
	if maxPayload < 1 {
		maxPayload = len(payload)
		if maxPayload == 0 {
			maxPayload = 1
		}
	}

	var disposition chan *performDisposition
	if !settled {
		disposition = make(chan *performDisposition, 1)
		select {
		case l.session.registerDisposition <- dispositionWaiter{id: id, rx: disposition}:
		case <-l.session.conn.done:
			return l.session.conn.connErr()
		}
		defer func() {
			select {
			case l.session.unregisterDisposition <- id:
			case <-l.session.conn.done:
			}
		}()
	}

	first := true
	for {
		if err := s.waitCredit(ctx); err != nil {
			return err
		}
		if err := l.session.waitWindow(ctx); err != nil {
			return err
		}

		n := len(payload)
		if n > maxPayload {
			n = maxPayload
		}
		chunk := payload[:n]
		payload = payload[n:]

		fr := &performTransfer{
			Handle:      l.handle,
			DeliveryTag: deliveryTag,
			Settled:     settled,
			More:        len(payload) > 0,
			Payload:     chunk,
		}
		if first {
			fr.DeliveryID = &idU32
			first = false
		}

		if err := l.session.txFrame(fr); err != nil {
			return err
		}
		s.credit--
		s.deliveryCount++

		if len(payload) == 0 {
			break
		}
	}

	if settled {
		return nil
	}

	select {
	case <-disposition:
		return nil
	case <-l.session.conn.done:
		return l.session.conn.connErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitCredit blocks until the receiver has granted at least one unit of
// link-credit, processing performFlow frames as they arrive on the link.
func (s *Sender) waitCredit(ctx context.Context) error {
	l := s.link
	for s.credit == 0 {
		select {
		case fr := <-l.rx:
			switch fr := fr.(type) {
			case *performFlow:
				s.updateCredit(fr)
			case *performDetach:
				l.detachReceived = true
				if fr.Closed {
					l.close()
				}
				return ErrDetach{fr.Error}
			}
		case <-l.session.conn.done:
			return l.session.conn.connErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sender) updateCredit(fr *performFlow) {
	if fr.LinkCredit != nil {
		s.credit = *fr.LinkCredit
	}
}

// Close closes the Sender and AMQP link.
func (s *Sender) Close() error {
	s.link.close()
	return s.link.err
}
