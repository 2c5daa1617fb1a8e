package session

import (
	"io"
	"time"

	"github.com/jesinth-labs/gotftp/internal/tftp"
)

// RunSender drives the sender-side state machine of §4.4.1 to completion.
//
// optionsAccepted controls the entry action: when true the caller has
// already sent an OACK (server RRQ path) or a WRQ (client upload path) and
// the handshake block (block 0) is still pending acknowledgement (either a
// plain ACK 0 or an incoming OACK is accepted as the ack); when false the
// caller has already sent DATA block 1 directly and the loop starts by
// waiting for ACK 1.
//
// firstSent is the exact bytes of whichever packet the caller already
// transmitted (OACK, WRQ or DATA 1), cached so the first retransmit (if
// any) resends it verbatim.
func RunSender(s *Session, src io.Reader, optionsAccepted bool, firstSent []byte) Result {
	chunks := newChunker(src)

	n := uint16(0)
	awaitHandshake := optionsAccepted
	lastSent := firstSent
	lastPayloadLen := 0
	retries := 0
	bytesSent := int64(0)
	// needSend is false for the loop's very first pass: firstSent was
	// already transmitted once by the caller (the dispatcher's own
	// handshake reply, or the client's original RRQ/WRQ), so the loop's
	// job there is only to await a response. Every pass after that sends
	// the freshly built or re-cached packet before waiting.
	needSend := false

	if !awaitHandshake {
		n = 1
		lastPayloadLen = len(firstSent) - 4
		bytesSent = int64(lastPayloadLen)
		s.emitData(n)
	}

	localFail := func(kind tftp.ErrorKind, msg string, cause error) Result {
		s.failPeer(kind, msg)
		return Result{Outcome: OutcomeFailed, Err: tftp.NewSessionError(kind, msg, cause), Peer: s.peer, BytesTransferred: bytesSent}
	}

	// advance reads the next chunk, builds the DATA packet for block
	// target, and updates the sender's bookkeeping. It is used both when
	// leaving the handshake state and when a normal ACK arrives in time.
	advance := func(target uint16) (Result, bool) {
		chunk, err := chunks.next(s.opts.Blksize)
		if err != nil {
			return localFail(tftp.KindAccessViolation, "read failed", err), true
		}
		pkt := &tftp.Data{Block: target, Payload: chunk}
		n = target
		lastSent = tftp.Encode(pkt)
		lastPayloadLen = len(chunk)
		bytesSent += int64(lastPayloadLen)
		s.emitData(n)
		return Result{}, false
	}

outer:
	for {
		if err := s.ctx.Err(); err != nil {
			return localFail(tftp.KindShutdown, "shutting down", err)
		}

		if needSend {
			if err := s.send(lastSent); err != nil {
				return localFail(tftp.KindNoAck, "send failed", err)
			}
		}
		needSend = true
		deadline := time.Now().Add(s.timeout())

		for {
			res, serr := s.awaitPacket(deadline)
			if serr != nil {
				return Result{Outcome: OutcomeFailed, Err: serr, Peer: s.peer, BytesTransferred: bytesSent}
			}
			if res.timedOut {
				retries++
				if retries > MaxRetries {
					// Silent to the network: no ERROR is sent on timeout.
					return Result{Outcome: OutcomeFailed, Err: tftp.NewSessionError(tftp.KindNoAck, "no ack after max retries", nil), Peer: s.peer, BytesTransferred: bytesSent}
				}
				continue outer
			}

			switch pkt := res.pkt.(type) {
			case *tftp.ErrorPacket:
				return Result{Outcome: OutcomeFailed, Err: remoteErrorResult(pkt), Peer: s.peer, BytesTransferred: bytesSent}

			case *tftp.OptionAck:
				if !awaitHandshake {
					return localFail(tftp.KindProtocolViolation, "unexpected OACK", nil)
				}
				if s.requested != nil {
					adopted, verr := tftp.ValidateRequesterOACK(*s.requested, pkt.Options)
					if verr != nil {
						return localFail(tftp.KindOptionNegotiation, verr.Error(), verr)
					}
					s.opts = adopted
				}
				retries = 0
				awaitHandshake = false
				if res, failed := advance(1); failed {
					return res
				}
				continue outer

			case *tftp.Ack:
				m := pkt.Block
				if awaitHandshake {
					if m != 0 {
						return localFail(tftp.KindProtocolViolation, "unexpected ack block during handshake", nil)
					}
					retries = 0
					awaitHandshake = false
					if res, failed := advance(1); failed {
						return res
					}
					continue outer
				}

				switch {
				case m == n:
					retries = 0
					s.emitAck(m)
					if lastPayloadLen < s.opts.Blksize {
						return Result{Outcome: OutcomeDone, Peer: s.peer, BytesTransferred: bytesSent}
					}
					if res, failed := advance(n + 1); failed {
						return res
					}
					continue outer
				case m < n:
					continue // duplicate: keep waiting for the ack we need
				default:
					return localFail(tftp.KindProtocolViolation, "ack for future block", nil)
				}

			default:
				serr := unexpectedPacket(pkt)
				s.failPeer(serr.Kind, serr.Message)
				return Result{Outcome: OutcomeFailed, Err: serr, Peer: s.peer, BytesTransferred: bytesSent}
			}
		}
	}
}
