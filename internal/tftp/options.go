package tftp

import "fmt"

// Default values in effect when an option was not negotiated.
const (
	DefaultBlksize = 512
	DefaultTimeout = 5 // seconds

	MinBlksize = 8
	MaxBlksize = 65464
	MinTimeout = 1
	MaxTimeout = 255
)

// OptionSet is the negotiated values in effect for one session, plus a flag
// per option recording whether it was actually negotiated (present in the
// OACK) or left at its protocol default.
type OptionSet struct {
	Blksize         int
	BlksizeNegotiated bool

	TimeoutSeconds   int
	TimeoutNegotiated bool

	Tsize           uint64
	TsizeKnown      bool
	TsizeNegotiated bool
}

// DefaultOptionSet returns the OptionSet in effect when no options are
// negotiated at all.
func DefaultOptionSet() OptionSet {
	return OptionSet{
		Blksize:        DefaultBlksize,
		TimeoutSeconds: DefaultTimeout,
	}
}

// RequestedOptions is the set of options a client asks for in an RRQ/WRQ,
// prior to any negotiation.
type RequestedOptions struct {
	Blksize     *int
	Timeout     *int
	Tsize       *uint64 // value to announce (WRQ) or 0 to request (RRQ)
	WantTsize   bool
}

// ToWire renders the requested options as the Option list to embed in an
// RRQ/WRQ packet, preserving the order blksize, timeout, tsize.
func (r RequestedOptions) ToWire() []Option {
	var opts []Option
	if r.Blksize != nil {
		opts = append(opts, Option{Name: "blksize", Value: fmt.Sprintf("%d", *r.Blksize)})
	}
	if r.Timeout != nil {
		opts = append(opts, Option{Name: "timeout", Value: fmt.Sprintf("%d", *r.Timeout)})
	}
	if r.WantTsize {
		v := uint64(0)
		if r.Tsize != nil {
			v = *r.Tsize
		}
		opts = append(opts, Option{Name: "tsize", Value: fmt.Sprintf("%d", v)})
	}
	return opts
}

// ServerCapabilities bounds what the responder is willing to accept.
type ServerCapabilities struct {
	MaxBlksize int // responder never picks a blksize above this, even if asked for more
}

// DefaultServerCapabilities matches the wire-level maximum allowed by RFC 2348.
func DefaultServerCapabilities() ServerCapabilities {
	return ServerCapabilities{MaxBlksize: MaxBlksize}
}

// NegotiateResponder applies the §4.2 responder rules to an incoming
// request's option list. fileSize is the RRQ file's size in bytes (ignored
// for WRQ); it is used to answer an RRQ's tsize=0 probe. diskFree, if >= 0,
// bounds an announced WRQ tsize; exceeding it is reported by the third
// return value (diskFull) being true.
//
// The returned OptionSet is always populated with defaults for options that
// were not accepted, and the returned []Option is the accepted subset to
// place in an OACK (empty means: fall back to default ACK0/DATA1 behavior).
func NegotiateResponder(caps ServerCapabilities, isWrite bool, reqOpts []Option, fileSize int64, diskFree int64) (OptionSet, []Option, bool) {
	set := DefaultOptionSet()
	var accepted []Option

	for _, opt := range reqOpts {
		switch foldOptionName(opt.Name) {
		case "blksize":
			v, err := ParseDecimal(opt.Value)
			if err != nil || v < MinBlksize || v > MaxBlksize {
				continue
			}
			chosen := int(v)
			if chosen > caps.MaxBlksize {
				chosen = caps.MaxBlksize
			}
			set.Blksize = chosen
			set.BlksizeNegotiated = true
			accepted = append(accepted, Option{Name: "blksize", Value: fmt.Sprintf("%d", chosen)})

		case "timeout":
			v, err := ParseDecimal(opt.Value)
			if err != nil || v < MinTimeout || v > MaxTimeout {
				continue
			}
			set.TimeoutSeconds = int(v)
			set.TimeoutNegotiated = true
			accepted = append(accepted, Option{Name: "timeout", Value: fmt.Sprintf("%d", v)})

		case "tsize":
			v, err := ParseDecimal(opt.Value)
			if err != nil {
				continue
			}
			if isWrite {
				if diskFree >= 0 && v > uint64(diskFree) {
					return set, nil, true
				}
				set.Tsize = v
				set.TsizeKnown = true
				set.TsizeNegotiated = true
				accepted = append(accepted, Option{Name: "tsize", Value: fmt.Sprintf("%d", v)})
			} else {
				// RRQ: client sends tsize=0 to ask us to report the real size.
				reported := uint64(fileSize)
				set.Tsize = reported
				set.TsizeKnown = true
				set.TsizeNegotiated = true
				accepted = append(accepted, Option{Name: "tsize", Value: fmt.Sprintf("%d", reported)})
			}
		}
	}

	return set, accepted, false
}

// ValidateRequesterOACK applies the §4.2 requester rules: the client checks
// the server's OACK against what it originally asked for. It returns the
// OptionSet to adopt for the rest of the session, or an error if the server
// violated the negotiation contract (maps to wire ERROR 8).
func ValidateRequesterOACK(requested RequestedOptions, oackOpts []Option) (OptionSet, error) {
	set := DefaultOptionSet()

	wantBlksize := requested.Blksize
	wantTimeout := requested.Timeout

	for _, opt := range oackOpts {
		switch foldOptionName(opt.Name) {
		case "blksize":
			v, err := ParseDecimal(opt.Value)
			if err != nil {
				return set, fmt.Errorf("tftp: server sent unparsable blksize %q", opt.Value)
			}
			if wantBlksize == nil || int(v) > *wantBlksize {
				return set, fmt.Errorf("tftp: server offered blksize %d greater than requested", v)
			}
			set.Blksize = int(v)
			set.BlksizeNegotiated = true

		case "timeout":
			v, err := ParseDecimal(opt.Value)
			if err != nil {
				return set, fmt.Errorf("tftp: server sent unparsable timeout %q", opt.Value)
			}
			if wantTimeout == nil || int(v) != *wantTimeout {
				return set, fmt.Errorf("tftp: server echoed timeout %d, requested %d", v, derefOr(wantTimeout, -1))
			}
			set.TimeoutSeconds = int(v)
			set.TimeoutNegotiated = true

		case "tsize":
			v, err := ParseDecimal(opt.Value)
			if err != nil {
				return set, fmt.Errorf("tftp: server sent unparsable tsize %q", opt.Value)
			}
			set.Tsize = v
			set.TsizeKnown = true
			set.TsizeNegotiated = true
		}
	}

	return set, nil
}

func foldOptionName(name string) string {
	// Option names are ASCII and case-insensitive; normalizing to lowercase
	// lets callers switch on plain literals.
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
