package service

import (
	"testing"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
)

func TestConvoSendHandshakeSucceededRoundTrip(t *testing.T) {
	c := NewConvo([16]byte{1})
	now := time.Unix(1_700_000_000, 0)

	if c.State() != ConvoIdle {
		t.Fatalf("expected initial state Idle, got %s", c.State())
	}

	if err := c.Send([]byte("hello"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.State() != ConvoBootstrapping {
		t.Fatalf("expected Bootstrapping after send, got %s", c.State())
	}

	remote := ServiceInfo{}
	if err := c.HandshakeSucceeded(crypto.ShortHash{1, 2, 3}, remote, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}
	if c.State() != ConvoActive {
		t.Fatalf("expected Active after handshake, got %s", c.State())
	}

	if _, ok := c.RemoteService(); !ok {
		t.Fatal("expected remote service to be recorded")
	}
}

func TestConvoHandshakeFailedClosesFromBootstrapping(t *testing.T) {
	c := NewConvo([16]byte{2})
	now := time.Unix(1_700_000_000, 0)

	if err := c.Send([]byte("hi"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	c.HandshakeFailed(now)
	if c.State() != ConvoClosed {
		t.Fatalf("expected Closed after handshake failure, got %s", c.State())
	}
	if c.PendingPayload != nil {
		t.Fatal("expected pending payload cleared after handshake failure")
	}
}

func TestConvoSendFromNonIdleFails(t *testing.T) {
	c := NewConvo([16]byte{3})
	now := time.Unix(1_700_000_000, 0)

	if err := c.Send([]byte("first"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send([]byte("second"), now); err == nil {
		t.Fatal("expected second send from Bootstrapping to fail")
	}
}

func TestConvoTickActiveToIdleDropsPending(t *testing.T) {
	c := NewConvo([16]byte{4})
	c.IdleTimeout = time.Minute
	now := time.Unix(1_700_000_000, 0)

	if err := c.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.HandshakeSucceeded(crypto.ShortHash{}, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}

	c.Tick(now.Add(30 * time.Second))
	if c.State() != ConvoActive {
		t.Fatalf("expected still Active before idle timeout, got %s", c.State())
	}

	c.Tick(now.Add(2 * time.Minute))
	if c.State() != ConvoIdle {
		t.Fatalf("expected Idle after idle timeout, got %s", c.State())
	}
	if c.PendingPayload != nil {
		t.Fatal("expected pending payload cleared on Active->Idle transition")
	}
}

func TestConvoTickIdleToClosedAfterExpiry(t *testing.T) {
	c := NewConvo([16]byte{5})
	c.IdleTimeout = time.Minute
	now := time.Unix(1_700_000_000, 0)

	if err := c.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.HandshakeSucceeded(crypto.ShortHash{}, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}

	idleAt := now.Add(2 * time.Minute)
	c.Tick(idleAt)
	if c.State() != ConvoIdle {
		t.Fatalf("expected Idle, got %s", c.State())
	}

	c.Tick(idleAt.Add(2 * time.Minute))
	if c.State() != ConvoClosed {
		t.Fatalf("expected Closed after a further idle timeout, got %s", c.State())
	}
}

func TestConvoEncodeDecodeFrameRoundTrip(t *testing.T) {
	c := NewConvo([16]byte{7})
	now := time.Unix(1_700_000_000, 0)
	if err := c.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	key := crypto.ShortHash{9, 9, 9}
	if err := c.HandshakeSucceeded(key, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}

	wire, err := c.EncodeFrame([]byte("hello world"), nil)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	payload, kem, err := c.DecodeFrame(wire)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if string(payload) != "hello world" {
		t.Fatalf("expected payload round trip, got %q", payload)
	}
	if kem != nil {
		t.Fatal("expected nil kem ciphertext on a non-opening frame")
	}
}

func TestConvoDecodeFrameRejectsWrongKey(t *testing.T) {
	sender := NewConvo([16]byte{8})
	now := time.Unix(1_700_000_000, 0)
	if err := sender.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sender.HandshakeSucceeded(crypto.ShortHash{1}, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}
	wire, err := sender.EncodeFrame([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	receiver := NewConvo([16]byte{8})
	if err := receiver.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := receiver.HandshakeSucceeded(crypto.ShortHash{2}, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}
	if _, _, err := receiver.DecodeFrame(wire); err == nil {
		t.Fatal("expected decode under a different session key to fail")
	}
}

func TestConvoTouchResetsActiveIdleClock(t *testing.T) {
	c := NewConvo([16]byte{6})
	c.IdleTimeout = time.Minute
	now := time.Unix(1_700_000_000, 0)

	if err := c.Send([]byte("payload"), now); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.HandshakeSucceeded(crypto.ShortHash{}, ServiceInfo{}, now); err != nil {
		t.Fatalf("handshake succeeded: %v", err)
	}

	c.Touch(now.Add(50 * time.Second))
	c.Tick(now.Add(90 * time.Second))
	if c.State() != ConvoActive {
		t.Fatalf("expected touch to keep convo Active, got %s", c.State())
	}
}
