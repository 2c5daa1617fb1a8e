// Package session implements the lock-step sender/receiver state machines
// described in the protocol core, plus the driver that sequences one of
// them to completion over a bound transport.Endpoint.
package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jesinth-labs/gotftp/internal/tftp"
	"github.com/jesinth-labs/gotftp/internal/transport"
)

// MaxRetries is the number of retransmissions attempted after the first
// send before a session gives up (five attempts total).
const MaxRetries = 4

// Role distinguishes which half of the stop-and-wait exchange a session
// plays. A server handling RRQ, or a client performing WRQ, is a Sender; a
// server handling WRQ, or a client performing RRQ, is a Receiver.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Outcome is a session's terminal status.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
)

// Result is returned once a session reaches a terminal state.
type Result struct {
	Outcome          Outcome
	Err              *tftp.SessionError // non-nil iff Outcome == OutcomeFailed
	BytesTransferred int64
	Peer             *net.UDPAddr
}

// Session carries the mutable per-transfer state shared by both the sender
// and the receiver loops: the bound endpoint, the locked transfer ID, the
// negotiated options, and the cooperative-cancellation context. It also
// implements the TID-lock-and-ERROR-5 discipline once, for both roles, in
// awaitPacket.
type Session struct {
	ep     *transport.Endpoint
	peer   *net.UDPAddr
	locked bool
	opts   tftp.OptionSet
	ctx    context.Context
	role   Role

	// requested is non-nil only for a requester session (a client's RRQ or
	// WRQ): it holds the options the client asked for, so an incoming OACK
	// can be validated against them per §4.2's requester rules before its
	// contents replace opts. A responder session (the server, which
	// negotiated opts itself before the session existed) leaves this nil
	// and never expects to receive an OACK at all.
	requested *tftp.RequestedOptions

	onEvent func(Event)
}

// WithRequestedOptions marks s as a requester session and records what it
// originally asked for, so a later incoming OACK can be validated rather
// than trusted outright. Returns s for chaining at construction.
func (s *Session) WithRequestedOptions(r tftp.RequestedOptions) *Session {
	s.requested = &r
	return s
}

// Event is emitted for every externally-observable action a session takes,
// so the caller can render the structured event log without the session
// package depending on any particular logging sink. The field set mirrors
// the line formats of §6: DATA lines need an explicit source/destination
// pair (which differs depending on whether this endpoint sent or received
// the block), while ACK/OACK/ERROR lines are always addressed to/from the
// session's peer.
type Event struct {
	Kind string // "DATA", "ACK", "OACK", "ERROR"

	Peer      *net.UDPAddr // remote address, for ACK/OACK/ERROR
	LocalPort int          // local port, for ERROR's optional suffix

	DataSrc     *net.UDPAddr // for DATA
	DataDstPort int          // for DATA

	Block   uint16
	ErrCode uint16
	ErrMsg  string
	Options []tftp.Option
}

// New constructs a Session. If peer is non-nil, the transfer ID is
// considered locked immediately (the server case, where the client's
// address was already observed on the well-known port). If peer is nil, the
// transfer ID is captured from the source address of the first valid
// datagram received (the client case, per the TID-capture rule).
func New(ctx context.Context, ep *transport.Endpoint, peer *net.UDPAddr, role Role, opts tftp.OptionSet, onEvent func(Event)) *Session {
	s := &Session{ep: ep, opts: opts, ctx: ctx, role: role, onEvent: onEvent}
	if peer != nil {
		s.peer = peer
		s.locked = true
	}
	return s
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// emitData reports a DATA packet that crossed the wire for block n. The
// sender role reports itself as the source; the receiver role reports the
// peer as the source, matching the log line's src:dst convention.
func (s *Session) emitData(block uint16) {
	if s.role == RoleSender {
		s.emit(Event{Kind: "DATA", DataSrc: s.ep.LocalAddr(), DataDstPort: s.peer.Port, Block: block})
	} else {
		s.emit(Event{Kind: "DATA", DataSrc: s.peer, DataDstPort: s.ep.LocalAddr().Port, Block: block})
	}
}

func (s *Session) emitAck(block uint16) {
	s.emit(Event{Kind: "ACK", Peer: s.peer, Block: block})
}

// EmitAck and EmitOack let a caller that sends a session's handshake reply
// itself (the dispatcher, answering RRQ/WRQ before the sender/receiver loop
// starts) report that send through the same Event stream as everything
// else, without reaching into the Event struct's field layout directly.
func (s *Session) EmitAck(block uint16) {
	s.emitAck(block)
}

func (s *Session) EmitOack(opts []tftp.Option) {
	s.emit(Event{Kind: "OACK", Peer: s.peer, Options: opts})
}

func (s *Session) timeout() time.Duration {
	return time.Duration(s.opts.TimeoutSeconds) * time.Second
}

func (s *Session) maxRecvSize() int {
	return s.opts.Blksize + 4
}

func (s *Session) send(b []byte) error {
	return s.ep.Send(b, s.peer)
}

// sendErrorTo answers a stray datagram from a non-locked peer with ERROR 5,
// without disturbing this session's own retry bookkeeping.
func (s *Session) sendErrorTo(addr *net.UDPAddr, code uint16, msg string) {
	pkt := &tftp.ErrorPacket{Code: code, Message: msg}
	_ = s.ep.Send(tftp.Encode(pkt), addr)
	s.emit(Event{Kind: "ERROR", Peer: addr, LocalPort: s.ep.LocalAddr().Port, ErrCode: code, ErrMsg: msg})
}

// failPeer sends a terminal ERROR to the locked peer. Timeouts never call
// this: they are silent to the network per §4.4.4.
func (s *Session) failPeer(kind tftp.ErrorKind, msg string) {
	code := kind.WireCode()
	pkt := &tftp.ErrorPacket{Code: code, Message: msg}
	_ = s.send(tftp.Encode(pkt))
	s.emit(Event{Kind: "ERROR", Peer: s.peer, LocalPort: s.ep.LocalAddr().Port, ErrCode: code, ErrMsg: msg})
}

type awaitOutcome struct {
	pkt      tftp.Packet
	from     *net.UDPAddr
	timedOut bool
}

// awaitPacket blocks until a decodable packet from the (locked, or
// about-to-be-locked) peer arrives or the deadline elapses. The context is
// checked before each receive; a cancellation during a blocked receive is
// seen only once that receive returns. It is the single place the TID-lock
// and ERROR-5 policy is enforced, shared verbatim by the sender and
// receiver loops.
//
// Malformed packets and stray datagrams from the wrong TID never consume
// the caller's retry budget: both cause this function to keep waiting on
// the same deadline, exactly as required by §4.4.1/§4.4.2.
func (s *Session) awaitPacket(deadline time.Time) (awaitOutcome, *tftp.SessionError) {
	for {
		if err := s.ctx.Err(); err != nil {
			return awaitOutcome{}, tftp.NewSessionError(tftp.KindShutdown, "shutting down", err)
		}

		raw, from, err := s.ep.Recv(s.maxRecvSize(), deadline)
		if err == transport.ErrTimeout {
			return awaitOutcome{timedOut: true}, nil
		}
		if err != nil {
			return awaitOutcome{}, tftp.NewSessionError(tftp.KindNoAck, "transport receive failed", err)
		}

		pkt, derr := tftp.Decode(raw)
		if derr != nil {
			continue
		}

		if s.locked {
			if !udpAddrEqual(from, s.peer) {
				s.sendErrorTo(from, tftp.ErrCodeUnknownTransferID, "unknown transfer ID")
				continue
			}
		} else {
			s.peer = from
			s.locked = true
		}

		return awaitOutcome{pkt: pkt, from: from}, nil
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func remoteErrorResult(ep *tftp.ErrorPacket) *tftp.SessionError {
	return &tftp.SessionError{
		Kind:          tftp.KindRemoteError,
		RemoteCode:    ep.Code,
		RemoteMessage: ep.Message,
	}
}

func unexpectedPacket(pkt tftp.Packet) *tftp.SessionError {
	return tftp.NewSessionError(tftp.KindProtocolViolation, fmt.Sprintf("unexpected %s", pkt.Opcode()), nil)
}
