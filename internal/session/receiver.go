package session

import (
	"io"
	"time"

	"github.com/jesinth-labs/gotftp/internal/tftp"
)

// RunReceiver drives the receiver-side state machine of §4.4.2 to
// completion.
//
// firstSent is the exact bytes of the packet the caller already
// transmitted before calling in: the server's OACK or plain ACK 0 on the
// WRQ path, or the client's RRQ. It is cached as the last sent packet. On
// the client RRQ path the first reply may be either an OACK or DATA 1;
// both are handled, so no flag saying which to expect is passed.
func RunReceiver(s *Session, sink io.Writer, firstSent []byte) Result {
	n := uint16(1)
	awaitingStart := true
	lastSent := firstSent
	retries := 0
	bytesReceived := int64(0)
	// needSend is false for the loop's very first pass: firstSent was
	// already transmitted once by the caller (the dispatcher's own
	// ACK0/OACK, or the client's original RRQ), so the loop's job there is
	// only to await DATA. Every pass after that sends before waiting.
	needSend := false

	localFail := func(kind tftp.ErrorKind, msg string, cause error) Result {
		s.failPeer(kind, msg)
		return Result{Outcome: OutcomeFailed, Err: tftp.NewSessionError(kind, msg, cause), Peer: s.peer, BytesTransferred: bytesReceived}
	}

outer:
	for {
		if err := s.ctx.Err(); err != nil {
			return localFail(tftp.KindShutdown, "shutting down", err)
		}

		if needSend {
			if err := s.send(lastSent); err != nil {
				return localFail(tftp.KindNoData, "send failed", err)
			}
		}
		needSend = true
		deadline := time.Now().Add(s.timeout())

		for {
			res, serr := s.awaitPacket(deadline)
			if serr != nil {
				return Result{Outcome: OutcomeFailed, Err: serr, Peer: s.peer, BytesTransferred: bytesReceived}
			}
			if res.timedOut {
				retries++
				if retries > MaxRetries {
					// Silent to the network: no ERROR is sent on timeout.
					return Result{Outcome: OutcomeFailed, Err: tftp.NewSessionError(tftp.KindNoData, "no data after max retries", nil), Peer: s.peer, BytesTransferred: bytesReceived}
				}
				continue outer
			}

			switch pkt := res.pkt.(type) {
			case *tftp.ErrorPacket:
				return Result{Outcome: OutcomeFailed, Err: remoteErrorResult(pkt), Peer: s.peer, BytesTransferred: bytesReceived}

			case *tftp.OptionAck:
				if !awaitingStart || n != 1 {
					return localFail(tftp.KindProtocolViolation, "unexpected OACK", nil)
				}
				// This session's own initial send already carried the
				// request's options; receiving OACK back just means the
				// handshake is complete and we should ACK 0 and wait for
				// DATA 1 (client RRQ path; the server-side WRQ path never
				// reaches this branch because it already emitted its own
				// ACK0/OACK as firstSent and enters expecting DATA).
				if s.requested != nil {
					adopted, verr := tftp.ValidateRequesterOACK(*s.requested, pkt.Options)
					if verr != nil {
						return localFail(tftp.KindOptionNegotiation, verr.Error(), verr)
					}
					s.opts = adopted
				}
				ack := &tftp.Ack{Block: 0}
				encoded := tftp.Encode(ack)
				s.emitAck(0)
				lastSent = encoded
				awaitingStart = false
				retries = 0
				continue outer

			case *tftp.Data:
				m := pkt.Block
				if awaitingStart {
					// Client RRQ path with no accepted options: the first
					// reply is DATA 1 directly, no separate ACK0 round.
					if m != 1 {
						return localFail(tftp.KindProtocolViolation, "unexpected first data block", nil)
					}
					awaitingStart = false
				}

				switch {
				case m == n:
					if _, err := sink.Write(pkt.Payload); err != nil {
						return localFail(tftp.KindAccessViolation, "write failed", err)
					}
					bytesReceived += int64(len(pkt.Payload))
					ack := &tftp.Ack{Block: m}
					lastSent = tftp.Encode(ack)
					s.emitData(m)
					s.emitAck(m)
					retries = 0
					if len(pkt.Payload) < s.opts.Blksize {
						if err := s.send(lastSent); err != nil {
							return localFail(tftp.KindNoData, "send failed", err)
						}
						return Result{Outcome: OutcomeDone, Peer: s.peer, BytesTransferred: bytesReceived}
					}
					n++
					continue outer
				case m < n:
					// The peer never heard our ACK for this block; resend
					// it without touching the sink or advancing.
					dupAck := &tftp.Ack{Block: m}
					lastSent = tftp.Encode(dupAck)
					s.emitAck(m)
					continue outer
				default:
					return localFail(tftp.KindProtocolViolation, "data for future block", nil)
				}

			default:
				serr := unexpectedPacket(pkt)
				s.failPeer(serr.Kind, serr.Message)
				return Result{Outcome: OutcomeFailed, Err: serr, Peer: s.peer, BytesTransferred: bytesReceived}
			}
		}
	}
}
