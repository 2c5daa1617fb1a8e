package tftp

import "testing"

func intPtr(v int) *int       { return &v }
func u64Ptr(v uint64) *uint64 { return &v }

func TestNegotiateResponderAcceptsInRangeBlksize(t *testing.T) {
	caps := DefaultServerCapabilities()
	set, accepted, diskFull := NegotiateResponder(caps, false, []Option{{Name: "blksize", Value: "1428"}}, 100, -1)
	if diskFull {
		t.Fatalf("unexpected disk full")
	}
	if set.Blksize != 1428 || !set.BlksizeNegotiated {
		t.Fatalf("blksize not negotiated: %+v", set)
	}
	if len(accepted) != 1 || accepted[0] != (Option{Name: "blksize", Value: "1428"}) {
		t.Fatalf("unexpected accepted list: %+v", accepted)
	}
}

func TestNegotiateResponderClampsBlksizeToCapability(t *testing.T) {
	caps := ServerCapabilities{MaxBlksize: 1024}
	set, accepted, _ := NegotiateResponder(caps, false, []Option{{Name: "blksize", Value: "65464"}}, 0, -1)
	if set.Blksize != 1024 {
		t.Fatalf("expected clamp to 1024, got %d", set.Blksize)
	}
	if accepted[0].Value != "1024" {
		t.Fatalf("accepted value should reflect clamp, got %q", accepted[0].Value)
	}
}

func TestNegotiateResponderRejectsOutOfRangeBlksize(t *testing.T) {
	caps := DefaultServerCapabilities()
	set, accepted, _ := NegotiateResponder(caps, false, []Option{{Name: "blksize", Value: "4"}}, 0, -1)
	if set.BlksizeNegotiated || len(accepted) != 0 {
		t.Fatalf("expected blksize=4 to be silently dropped: %+v %+v", set, accepted)
	}
	if set.Blksize != DefaultBlksize {
		t.Fatalf("expected default blksize on drop, got %d", set.Blksize)
	}
}

func TestNegotiateResponderRRQTsizeReportsFileSize(t *testing.T) {
	set, accepted, _ := NegotiateResponder(DefaultServerCapabilities(), false, []Option{{Name: "tsize", Value: "0"}}, 12345, -1)
	if !set.TsizeKnown || set.Tsize != 12345 {
		t.Fatalf("expected reported tsize 12345, got %+v", set)
	}
	if accepted[0].Value != "12345" {
		t.Fatalf("accepted tsize should echo file size, got %q", accepted[0].Value)
	}
}

func TestNegotiateResponderWRQTsizeExceedsDiskFree(t *testing.T) {
	_, _, diskFull := NegotiateResponder(DefaultServerCapabilities(), true, []Option{{Name: "tsize", Value: "1000"}}, 0, 500)
	if !diskFull {
		t.Fatalf("expected disk full when announced tsize exceeds diskFree")
	}
}

func TestNegotiateResponderWRQTsizeWithinDiskFree(t *testing.T) {
	set, accepted, diskFull := NegotiateResponder(DefaultServerCapabilities(), true, []Option{{Name: "tsize", Value: "100"}}, 0, 500)
	if diskFull {
		t.Fatalf("unexpected disk full")
	}
	if !set.TsizeKnown || set.Tsize != 100 || len(accepted) != 1 {
		t.Fatalf("unexpected negotiation result: %+v %+v", set, accepted)
	}
}

func TestNegotiateResponderIgnoresUnrecognizedOption(t *testing.T) {
	set, accepted, _ := NegotiateResponder(DefaultServerCapabilities(), false, []Option{{Name: "rollover", Value: "1"}}, 0, -1)
	if len(accepted) != 0 {
		t.Fatalf("unrecognized option should never be accepted: %+v", accepted)
	}
	if set != DefaultOptionSet() {
		t.Fatalf("unrecognized option should not mutate defaults: %+v", set)
	}
}

func TestNegotiateResponderCaseInsensitiveNames(t *testing.T) {
	set, accepted, _ := NegotiateResponder(DefaultServerCapabilities(), false, []Option{{Name: "BlkSize", Value: "1024"}}, 0, -1)
	if !set.BlksizeNegotiated || set.Blksize != 1024 || len(accepted) != 1 {
		t.Fatalf("expected case-insensitive option name match: %+v", set)
	}
}

func TestValidateRequesterOACKAcceptsSubsetOfAsk(t *testing.T) {
	requested := RequestedOptions{Blksize: intPtr(1428), Timeout: intPtr(3)}
	set, err := ValidateRequesterOACK(requested, []Option{{Name: "blksize", Value: "512"}, {Name: "timeout", Value: "3"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Blksize != 512 || set.TimeoutSeconds != 3 {
		t.Fatalf("unexpected adopted set: %+v", set)
	}
}

func TestValidateRequesterOACKRejectsBlksizeAboveAsk(t *testing.T) {
	requested := RequestedOptions{Blksize: intPtr(512)}
	_, err := ValidateRequesterOACK(requested, []Option{{Name: "blksize", Value: "1428"}})
	if err == nil {
		t.Fatalf("expected error for server offering a larger blksize than requested")
	}
}

func TestValidateRequesterOACKRejectsUnrequestedBlksize(t *testing.T) {
	requested := RequestedOptions{}
	_, err := ValidateRequesterOACK(requested, []Option{{Name: "blksize", Value: "1024"}})
	if err == nil {
		t.Fatalf("expected error for server granting an option never requested")
	}
}

func TestValidateRequesterOACKRejectsTimeoutMismatch(t *testing.T) {
	requested := RequestedOptions{Timeout: intPtr(5)}
	_, err := ValidateRequesterOACK(requested, []Option{{Name: "timeout", Value: "9"}})
	if err == nil {
		t.Fatalf("expected error for server echoing a different timeout than requested")
	}
}

func TestValidateRequesterOACKTsizeAlwaysAccepted(t *testing.T) {
	requested := RequestedOptions{WantTsize: true, Tsize: u64Ptr(0)}
	set, err := ValidateRequesterOACK(requested, []Option{{Name: "tsize", Value: "99999"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set.TsizeKnown || set.Tsize != 99999 {
		t.Fatalf("unexpected set: %+v", set)
	}
}

func TestRequestedOptionsToWireOrder(t *testing.T) {
	r := RequestedOptions{Blksize: intPtr(1428), Timeout: intPtr(3), WantTsize: true, Tsize: u64Ptr(0)}
	opts := r.ToWire()
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	names := []string{opts[0].Name, opts[1].Name, opts[2].Name}
	want := []string{"blksize", "timeout", "tsize"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("option order mismatch: got %v, want %v", names, want)
		}
	}
}
