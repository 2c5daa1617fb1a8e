// Package eventlog formats the session package's Event stream into the six
// wire-observable log lines and writes them to stderr. No structured or
// JSON logging library is introduced here: the line formats are themselves
// the interface (test harnesses match them verbatim), so a plain
// *log.Logger with timestamps disabled is the simplest thing that can
// produce byte-exact output.
package eventlog

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"github.com/jesinth-labs/gotftp/internal/session"
	"github.com/jesinth-labs/gotftp/internal/tftp"
)

// Logger writes session events as the structured lines specified for the
// protocol's external interface.
type Logger struct {
	out *log.Logger
}

// New returns a Logger writing to w with no timestamp/prefix decoration.
func New(w *os.File) *Logger {
	return &Logger{out: log.New(w, "", 0)}
}

// Default returns a Logger writing to stderr, the destination every event
// line is specified to use.
func Default() *Logger {
	return New(os.Stderr)
}

// Request logs an incoming RRQ or WRQ, before a Session even exists for it.
func (l *Logger) Request(op tftp.Opcode, peer *net.UDPAddr, filename, mode string, opts []tftp.Option) {
	kind := "RRQ"
	if op == tftp.OpWRQ {
		kind = "WRQ"
	}
	l.out.Printf("%s   %s %q %s%s", kind, peer, filename, mode, formatOptions(opts))
}

// Handler returns a func(session.Event) suitable for passing straight into
// session.New, so the session package never needs to know this logger, or
// any logger, exists.
func (l *Logger) Handler() func(session.Event) {
	return l.onEvent
}

func (l *Logger) onEvent(ev session.Event) {
	switch ev.Kind {
	case "DATA":
		l.out.Printf("DATA  %s:%d:%d %d", ev.DataSrc.IP, ev.DataSrc.Port, ev.DataDstPort, ev.Block)
	case "ACK":
		l.out.Printf("ACK   %s %d", ev.Peer, ev.Block)
	case "OACK":
		l.out.Printf("OACK  %s%s", ev.Peer, formatOptions(ev.Options))
	case "ERROR":
		if ev.LocalPort != 0 {
			l.out.Printf("ERROR %s:%d:%d %d %q", ev.Peer.IP, ev.Peer.Port, ev.LocalPort, ev.ErrCode, ev.ErrMsg)
		} else {
			l.out.Printf("ERROR %s %d %q", ev.Peer, ev.ErrCode, ev.ErrMsg)
		}
	}
}

func formatOptions(opts []tftp.Option) string {
	if len(opts) == 0 {
		return ""
	}
	parts := make([]string, len(opts))
	for i, o := range opts {
		parts[i] = fmt.Sprintf("%s=%s", o.Name, o.Value)
	}
	return " " + strings.Join(parts, " ")
}
