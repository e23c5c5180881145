package amqp

import (
	"testing"
)

func TestNewLinkDefaults(t *testing.T) {
	s := &Session{}
	l := newLink(s)

	if l.session != s {
		t.Errorf("newLink did not record the owning session")
	}
	if l.linkCredit != 1 {
		t.Errorf("expected default linkCredit 1, got %d", l.linkCredit)
	}
	if l.name == "" {
		t.Errorf("expected newLink to assign a link name")
	}
}

func TestLinkOptions(t *testing.T) {
	tests := []struct {
		label string
		opts  []LinkOption

		wantAddr       string
		wantDynamic    bool
		wantCredit     uint32
		wantRcvSettle  *ReceiverSettleMode
		wantSndSettle  *SenderSettleMode
	}{
		{
			label:      "no options",
			wantCredit: 1,
		},
		{
			label:      "address",
			opts:       []LinkOption{LinkAddress("my-queue")},
			wantAddr:   "my-queue",
			wantCredit: 1,
		},
		{
			label:       "dynamic address",
			opts:        []LinkOption{LinkAddressDynamic()},
			wantDynamic: true,
			wantCredit:  1,
		},
		{
			label:      "credit",
			opts:       []LinkOption{LinkCredit(64)},
			wantCredit: 64,
		},
		{
			label:         "receiver settle mode second",
			opts:          []LinkOption{LinkReceiverSettle(ModeSecond)},
			wantCredit:    1,
			wantRcvSettle: &[]ReceiverSettleMode{ModeSecond}[0],
		},
		{
			label:         "sender settle mode settled",
			opts:          []LinkOption{LinkSenderSettle(ModeSettled)},
			wantCredit:    1,
			wantSndSettle: &[]SenderSettleMode{ModeSettled}[0],
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			l := newLink(&Session{})

			for _, o := range tt.opts {
				if err := o(l); err != nil {
					t.Fatal(err)
				}
			}

			if l.addr != tt.wantAddr {
				t.Errorf("addr: want %q, got %q", tt.wantAddr, l.addr)
			}
			if l.dynamicAddr != tt.wantDynamic {
				t.Errorf("dynamicAddr: want %v, got %v", tt.wantDynamic, l.dynamicAddr)
			}
			if l.linkCredit != tt.wantCredit {
				t.Errorf("linkCredit: want %d, got %d", tt.wantCredit, l.linkCredit)
			}
			if tt.wantRcvSettle != nil {
				if l.receiverSettleMode == nil || *l.receiverSettleMode != *tt.wantRcvSettle {
					t.Errorf("receiverSettleMode: want %v, got %v", tt.wantRcvSettle, l.receiverSettleMode)
				}
			}
			if tt.wantSndSettle != nil {
				if l.senderSettleMode == nil || *l.senderSettleMode != *tt.wantSndSettle {
					t.Errorf("senderSettleMode: want %v, got %v", tt.wantSndSettle, l.senderSettleMode)
				}
			}
		})
	}
}

func TestSessionRouteDisposition(t *testing.T) {
	s := &Session{conn: &conn{done: make(chan struct{})}}

	rx := make(chan *performDisposition, 1)
	pending := map[deliveryID]chan *performDisposition{
		3: rx,
	}

	last := uint32(5)
	s.routeDisposition(&performDisposition{First: 1, Last: &last}, pending)

	select {
	case got := <-rx:
		if got.First != 1 {
			t.Errorf("expected waiter to receive the disposition, got %+v", got)
		}
	default:
		t.Errorf("expected waiter for delivery 3 to be notified")
	}
}
