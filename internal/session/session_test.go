package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jesinth-labs/gotftp/internal/tftp"
	"github.com/jesinth-labs/gotftp/internal/transport"
)

// loopbackAddr rewrites a wildcard-bound socket's LocalAddr (e.g. "[::]:PORT")
// to the loopback address the kernel actually reports as the source IP for
// same-host UDP traffic, so tests that pre-lock a session onto a peer
// derived from LocalAddr() compare equal to the real incoming packet source.
func loopbackAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil || !addr.IP.IsUnspecified() {
		return addr
	}
	out := *addr
	out.IP = net.IPv6loopback
	return &out
}

// newLockedPair binds two endpoints and returns Sessions already locked onto
// each other's address, mirroring the state a server's dispatcher and a
// client reach once a request has been answered once.
func newLockedPair(t *testing.T, ctx context.Context, opts tftp.OptionSet) (sender, receiver *Session, senderEvents, receiverEvents *[]Event) {
	t.Helper()
	senderEP, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind sender: %v", err)
	}
	t.Cleanup(func() { senderEP.Close() })
	receiverEP, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind receiver: %v", err)
	}
	t.Cleanup(func() { receiverEP.Close() })

	var sEvents, rEvents []Event
	sender = New(ctx, senderEP, loopbackAddr(receiverEP.LocalAddr()), RoleSender, opts, func(ev Event) { sEvents = append(sEvents, ev) })
	receiver = New(ctx, receiverEP, loopbackAddr(senderEP.LocalAddr()), RoleReceiver, opts, func(ev Event) { rEvents = append(rEvents, ev) })
	return sender, receiver, &sEvents, &rEvents
}

func runPair(t *testing.T, sender, receiver *Session, data []byte, blksize int) (Result, Result) {
	t.Helper()
	opts := tftp.DefaultOptionSet()
	opts.Blksize = blksize
	sender.opts = opts
	receiver.opts = opts

	chunk := make([]byte, blksize)
	n := copy(chunk, data)
	firstData := &tftp.Data{Block: 1, Payload: chunk[:n]}
	firstSent := tftp.Encode(firstData)
	if err := senderFirstSend(sender, firstSent); err != nil {
		t.Fatalf("prime sender: %v", err)
	}

	senderResultCh := make(chan Result, 1)
	go func() {
		senderResultCh <- RunSender(sender, bytes.NewReader(data[n:]), false, firstSent)
	}()

	var out bytes.Buffer
	receiverResult := RunReceiver(receiver, &out, firstSent)
	senderResult := <-senderResultCh

	if out.Len() > 0 && !bytes.Equal(out.Bytes(), data[:out.Len()]) {
		t.Fatalf("received data mismatch")
	}
	return senderResult, receiverResult
}

// senderFirstSend delivers firstSent to the receiver's endpoint directly,
// mirroring the out-of-band initial transmission a dispatcher performs
// before handing off to RunSender/RunReceiver.
func senderFirstSend(sender *Session, firstSent []byte) error {
	return sender.send(firstSent)
}

func TestSenderReceiverSmallTransfer(t *testing.T) {
	ctx := context.Background()
	sender, receiver, _, _ := newLockedPair(t, ctx, tftp.DefaultOptionSet())

	data := []byte("hello, this is a small tftp payload")
	senderResult, receiverResult := runPair(t, sender, receiver, data, 512)

	if senderResult.Outcome != OutcomeDone {
		t.Fatalf("sender did not finish: %+v", senderResult)
	}
	if receiverResult.Outcome != OutcomeDone {
		t.Fatalf("receiver did not finish: %+v", receiverResult)
	}
	if receiverResult.BytesTransferred != int64(len(data)) {
		t.Fatalf("expected %d bytes, got %d", len(data), receiverResult.BytesTransferred)
	}
}

func TestSenderReceiverExactBlksizeMultiple(t *testing.T) {
	ctx := context.Background()
	sender, receiver, _, _ := newLockedPair(t, ctx, tftp.DefaultOptionSet())

	blksize := 16
	data := bytes.Repeat([]byte{0x7A}, blksize*3) // exact multiple: must end with an empty final block
	senderResult, receiverResult := runPair(t, sender, receiver, data, blksize)

	if senderResult.Outcome != OutcomeDone || receiverResult.Outcome != OutcomeDone {
		t.Fatalf("transfer did not complete: sender=%+v receiver=%+v", senderResult, receiverResult)
	}
	if receiverResult.BytesTransferred != int64(len(data)) {
		t.Fatalf("expected %d bytes, got %d", len(data), receiverResult.BytesTransferred)
	}
}

func TestSenderReceiverZeroByteFile(t *testing.T) {
	ctx := context.Background()
	sender, receiver, _, _ := newLockedPair(t, ctx, tftp.DefaultOptionSet())

	senderResult, receiverResult := runPair(t, sender, receiver, nil, 512)

	if senderResult.Outcome != OutcomeDone || receiverResult.Outcome != OutcomeDone {
		t.Fatalf("zero-byte transfer did not complete: sender=%+v receiver=%+v", senderResult, receiverResult)
	}
	if receiverResult.BytesTransferred != 0 {
		t.Fatalf("expected 0 bytes, got %d", receiverResult.BytesTransferred)
	}
}

func TestAwaitPacketRejectsUnknownTID(t *testing.T) {
	ctx := context.Background()
	epA, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer epA.Close()
	epB, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer epB.Close()
	stray, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer stray.Close()

	var events []Event
	s := New(ctx, epA, loopbackAddr(epB.LocalAddr()), RoleReceiver, tftp.DefaultOptionSet(), func(ev Event) { events = append(events, ev) })

	// A datagram from an address other than the locked peer must be
	// answered with ERROR 5 and must not satisfy the pending await.
	if err := stray.Send(tftp.Encode(&tftp.Ack{Block: 0}), epA.LocalAddr()); err != nil {
		t.Fatalf("stray send: %v", err)
	}
	if err := epB.Send(tftp.Encode(&tftp.Ack{Block: 7}), epA.LocalAddr()); err != nil {
		t.Fatalf("legit send: %v", err)
	}

	res, serr := s.awaitPacket(time.Now().Add(2 * time.Second))
	if serr != nil {
		t.Fatalf("unexpected session error: %v", serr)
	}
	ack, ok := res.pkt.(*tftp.Ack)
	if !ok || ack.Block != 7 {
		t.Fatalf("expected the locked peer's ACK 7, got %+v", res)
	}

	foundError5 := false
	for _, ev := range events {
		if ev.Kind == "ERROR" && ev.ErrCode == tftp.ErrCodeUnknownTransferID {
			foundError5 = true
		}
	}
	if !foundError5 {
		t.Fatalf("expected an ERROR 5 event for the stray datagram, got %+v", events)
	}
}

func TestRunSenderFailsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	epSender, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer epSender.Close()
	epPeer, err := transport.Bind(0)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	// Left bound but never read from: every send lands in its kernel
	// receive buffer and nothing ever answers.
	defer epPeer.Close()

	opts := tftp.DefaultOptionSet()
	opts.TimeoutSeconds = 1
	sender := New(ctx, epSender, epPeer.LocalAddr(), RoleSender, opts, nil)

	start := time.Now()
	res := RunSender(sender, bytes.NewReader(nil), false, tftp.Encode(&tftp.Data{Block: 1}))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure after exhausting retries, got %+v", res)
	}
	if res.Err == nil || res.Err.Kind != tftp.KindNoAck {
		t.Fatalf("expected KindNoAck, got %+v", res.Err)
	}
	// 5 attempts total, each followed by a 1s wait, take about 5s; a
	// return in under 3s means the retries were not all waited out.
	if elapsed := time.Since(start); elapsed < 3*time.Second {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}
