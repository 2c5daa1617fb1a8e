package transport

import (
	"testing"
	"time"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, err := Bind(0)
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(0)
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}
	defer b.Close()

	payload := []byte("hello tftp")
	if err := a.Send(payload, b.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, from, err := b.Recv(1500, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q", got)
	}
	if from.Port != a.LocalAddr().Port {
		t.Fatalf("unexpected source port: got %d, want %d", from.Port, a.LocalAddr().Port)
	}
}

func TestRecvTimeout(t *testing.T) {
	ep, err := Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ep.Close()

	start := time.Now()
	_, _, err = ep.Recv(1500, start.Add(50*time.Millisecond))
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestLocalAddrReflectsBoundPort(t *testing.T) {
	ep, err := Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ep.Close()
	if ep.LocalAddr().Port == 0 {
		t.Fatalf("expected OS-assigned ephemeral port, got 0")
	}
}
