// Package server implements the well-known-port request dispatcher: the
// permanent accept loop grounded on the teacher's PeerManager.ListenToPeer
// TCP accept loop, reworked around UDP requests and TFTP's per-session
// ephemeral endpoints instead of long-lived TCP connections.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jesinth-labs/gotftp/internal/eventlog"
	"github.com/jesinth-labs/gotftp/internal/fsstore"
	"github.com/jesinth-labs/gotftp/internal/session"
	"github.com/jesinth-labs/gotftp/internal/tftp"
	"github.com/jesinth-labs/gotftp/internal/transport"
)

// Config bundles the dispatcher's fixed, CLI-supplied settings.
type Config struct {
	Port      int
	Store     *fsstore.Store
	Overwrite bool // false selects --no-clobber: ERROR 6 on existing WRQ targets
	Log       *eventlog.Logger
	Caps      tftp.ServerCapabilities
}

// Dispatcher owns the well-known-port listener and the registry of
// in-flight sessions it has handed off to ephemeral endpoints.
type Dispatcher struct {
	cfg       Config
	reg       *registry
	wellKnown *transport.Endpoint
}

// New prepares a Dispatcher around cfg.
func New(cfg Config) *Dispatcher {
	if cfg.Log == nil {
		cfg.Log = eventlog.Default()
	}
	return &Dispatcher{cfg: cfg, reg: newRegistry()}
}

// Run accepts requests on ep until ctx is cancelled. Each request is
// served to completion before the next is accepted, matching the
// single-session-at-a-time scheduling model: overlapping clients queue in
// the kernel's UDP receive buffer.
func (d *Dispatcher) Run(ctx context.Context, ep *transport.Endpoint) error {
	d.wellKnown = ep
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		raw, from, err := ep.Recv(tftp.MaxBlksize+4, time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		pkt, derr := tftp.Decode(raw)
		if derr != nil {
			d.sendError(from, tftp.ErrCodeIllegalOperation, "malformed request")
			continue
		}

		req, ok := pkt.(*tftp.Request)
		if !ok {
			d.sendError(from, tftp.ErrCodeIllegalOperation, "expected RRQ or WRQ")
			continue
		}

		d.handleRequest(ctx, req, from)
	}
}

// sendError answers a requester on the well-known port, before any
// per-session ephemeral endpoint exists.
func (d *Dispatcher) sendError(to *net.UDPAddr, code uint16, msg string) {
	pkt := &tftp.ErrorPacket{Code: code, Message: msg}
	_ = d.wellKnown.Send(tftp.Encode(pkt), to)
	d.cfg.Log.Handler()(session.Event{Kind: "ERROR", Peer: to, ErrCode: code, ErrMsg: msg})
}

func (d *Dispatcher) replySessionError(to *net.UDPAddr, err error) {
	if se, ok := err.(*tftp.SessionError); ok {
		d.sendError(to, se.Kind.WireCode(), se.Message)
		return
	}
	d.sendError(to, tftp.ErrCodeUndefined, err.Error())
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *tftp.Request, from *net.UDPAddr) {
	mode := tftp.ModeOctet
	if tftp.EqualFoldMode(req.Mode, tftp.ModeNetascii) {
		mode = tftp.ModeNetascii
	}

	switch req.Op {
	case tftp.OpRRQ:
		d.cfg.Log.Request(tftp.OpRRQ, from, req.Filename, mode, req.Options)
		d.serveRRQ(ctx, req, from)
	case tftp.OpWRQ:
		d.cfg.Log.Request(tftp.OpWRQ, from, req.Filename, mode, req.Options)
		d.serveWRQ(ctx, req, from)
	default:
		d.sendError(from, tftp.ErrCodeIllegalOperation, "expected RRQ or WRQ")
	}
}

// serveRRQ plays the Sender/responder role: the server reads the file and
// pushes DATA blocks, per §4.5 steps 3-5.
func (d *Dispatcher) serveRRQ(ctx context.Context, req *tftp.Request, from *net.UDPAddr) {
	src, size, err := d.cfg.Store.OpenSource(req.Filename)
	if err != nil {
		d.replySessionError(from, err)
		return
	}
	defer src.Close()

	optSet, accepted, _ := tftp.NegotiateResponder(d.cfg.Caps, false, req.Options, size, -1)

	ep, err := transport.Bind(0)
	if err != nil {
		d.sendError(from, tftp.ErrCodeUndefined, "internal error")
		return
	}
	defer ep.Close()

	rec := d.reg.register(from, req.Filename)
	defer d.reg.deregister(rec.ID)

	s := session.New(ctx, ep, from, session.RoleSender, optSet, d.cfg.Log.Handler())

	var firstSent []byte
	handshakePending := false
	if len(accepted) > 0 {
		oack := &tftp.OptionAck{Options: accepted}
		firstSent = tftp.Encode(oack)
		handshakePending = true
		s.EmitOack(accepted)
	} else {
		chunk := make([]byte, optSet.Blksize)
		n, rerr := io.ReadFull(src, chunk)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			d.replySessionError(from, tftp.NewSessionError(tftp.KindAccessViolation, "read failed", rerr))
			return
		}
		data := &tftp.Data{Block: 1, Payload: chunk[:n]}
		firstSent = tftp.Encode(data)
	}
	if err := ep.Send(firstSent, from); err != nil {
		return
	}

	total := int64(-1)
	if optSet.TsizeKnown {
		total = int64(optSet.Tsize)
	} else {
		total = size
	}
	drv := session.NewDriver(s, total)
	drv.RunSend(src, handshakePending, firstSent)
}

// serveWRQ plays the Receiver/responder role: the server accepts DATA
// blocks and writes them to the resolved filename.
func (d *Dispatcher) serveWRQ(ctx context.Context, req *tftp.Request, from *net.UDPAddr) {
	optSet, accepted, diskFull := tftp.NegotiateResponder(d.cfg.Caps, true, req.Options, 0, -1)
	if optSet.TsizeKnown {
		if serr := d.cfg.Store.CheckSpace(int64(optSet.Tsize)); serr != nil {
			diskFull = true
		}
	}
	if diskFull {
		d.sendError(from, tftp.ErrCodeDiskFull, "insufficient disk space")
		return
	}

	sink, err := d.cfg.Store.OpenSink(req.Filename, d.cfg.Overwrite)
	if err != nil {
		d.replySessionError(from, err)
		return
	}
	defer sink.Close()

	ep, err := transport.Bind(0)
	if err != nil {
		d.sendError(from, tftp.ErrCodeUndefined, "internal error")
		return
	}
	defer ep.Close()

	rec := d.reg.register(from, req.Filename)
	defer d.reg.deregister(rec.ID)

	s := session.New(ctx, ep, from, session.RoleReceiver, optSet, d.cfg.Log.Handler())

	var firstSent []byte
	if len(accepted) > 0 {
		oack := &tftp.OptionAck{Options: accepted}
		firstSent = tftp.Encode(oack)
		s.EmitOack(accepted)
	} else {
		ack := &tftp.Ack{Block: 0}
		firstSent = tftp.Encode(ack)
		s.EmitAck(0)
	}
	if err := ep.Send(firstSent, from); err != nil {
		return
	}

	total := int64(-1)
	if optSet.TsizeKnown {
		total = int64(optSet.Tsize)
	}
	drv := session.NewDriver(s, total)
	drv.RunReceive(sink, firstSent)
}
