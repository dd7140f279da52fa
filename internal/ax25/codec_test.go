package ax25_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/w1gaia/htstation/internal/ax25"
	"github.com/w1gaia/htstation/internal/callsign"
)

func addr(t *testing.T, s string, cmd bool) callsign.Ax25Address {
	t.Helper()
	cs, err := callsign.Parse(s)
	require.NoError(t, err)
	return callsign.Ax25Address{Callsign: cs, CommandBit: cmd}
}

func TestRoundTripUIFrame(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			addr(t, "APRS", true),
			addr(t, "N0CALL-9", false),
		},
		Kind:    ax25.KindU,
		UKind:   ax25.UUI,
		Poll:    false,
		HasPID:  true,
		PID:     ax25.PIDNone,
		Payload: []byte("!4903.50N/07201.75W-Test"),
	}
	wire := ax25.Encode(f)
	got, err := ax25.Decode(wire, false)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestRoundTripSABMWithPoll(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			addr(t, "N0CALL", true),
			addr(t, "N0CALL", false),
		},
		Kind:  ax25.KindU,
		UKind: ax25.USABM,
		Poll:  true,
		Final: true, // U frames carry one P/F bit; Decode sets both fields from it
	}
	wire := ax25.Encode(f)
	assert.Equal(t, byte(0x3F), wire[len(wire)-1])
	got, err := ax25.Decode(wire, false)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestRoundTripUA(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{addr(t, "N0CALL", false), addr(t, "N0CALL", true)},
		Kind:      ax25.KindU,
		UKind:     ax25.UUA,
		Final:     true,
		Poll:      true,
	}
	wire := ax25.Encode(f)
	assert.Equal(t, byte(0x73), wire[len(wire)-1])
}

func TestRoundTripIFrameMod8(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{addr(t, "N0CALL", true), addr(t, "N0CALL-1", false)},
		Kind:      ax25.KindI,
		NS:        3,
		NR:        5,
		Modulo:    8,
		HasPID:    true,
		PID:       ax25.PIDNone,
		Payload:   []byte("hello"),
	}
	wire := ax25.Encode(f)
	got, err := ax25.Decode(wire, false)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestRoundTripIFrameMod128(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{addr(t, "N0CALL", true), addr(t, "N0CALL-1", false)},
		Kind:      ax25.KindI,
		NS:        100,
		NR:        45,
		Modulo:    128,
		Poll:      true,
		HasPID:    true,
		PID:       ax25.PIDNone,
		Payload:   []byte("extended window"),
	}
	wire := ax25.Encode(f)
	got, err := ax25.Decode(wire, true)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestRoundTripDigipeaterHasBeenRepeated(t *testing.T) {
	f := ax25.Frame{
		Addresses: []callsign.Ax25Address{
			addr(t, "APRS", true),
			addr(t, "N0CALL", false),
			{Callsign: mustParse(t, "WIDE1-1"), HasBeenRepeated: true},
			{Callsign: mustParse(t, "WIDE2-2"), HasBeenRepeated: false},
		},
		Kind:    ax25.KindU,
		UKind:   ax25.UUI,
		HasPID:  true,
		PID:     ax25.PIDNone,
		Payload: []byte("test"),
	}
	wire := ax25.Encode(f)
	got, err := ax25.Decode(wire, false)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func mustParse(t *testing.T, s string) callsign.Callsign {
	t.Helper()
	cs, err := callsign.Parse(s)
	require.NoError(t, err)
	return cs
}

// TestRoundTripUIPropertyBased implements the §8 AX.25 round-trip
// invariant across random payloads and addresses.
func TestRoundTripUIPropertyBased(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.StringMatching(`[A-Z0-9]{1,6}`).Draw(rt, "base")
		ssid := rapid.IntRange(0, 15).Draw(rt, "ssid")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "payload")

		cs := callsign.Callsign{Base: base, SSID: uint8(ssid)}
		f := ax25.Frame{
			Addresses: []callsign.Ax25Address{
				{Callsign: callsign.Callsign{Base: "APRS"}, CommandBit: true},
				{Callsign: cs},
			},
			Kind:    ax25.KindU,
			UKind:   ax25.UUI,
			HasPID:  true,
			PID:     ax25.PIDNone,
			Payload: payload,
		}
		wire := ax25.Encode(f)
		got, err := ax25.Decode(wire, false)
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if len(got.Payload) == 0 && len(f.Payload) == 0 {
			got.Payload = f.Payload // nil vs empty-slice is not a meaningful difference
		}
		if !equalFrames(f, got) {
			rt.Fatalf("round trip mismatch: %+v != %+v", f, got)
		}
	})
}

func equalFrames(a, b ax25.Frame) bool {
	wireA := ax25.Encode(a)
	wireB := ax25.Encode(b)
	if len(wireA) != len(wireB) {
		return false
	}
	for i := range wireA {
		if wireA[i] != wireB[i] {
			return false
		}
	}
	return true
}
