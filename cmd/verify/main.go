package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/nberg/nest-bridge/pkg/fingerprint"
	"github.com/nberg/nest-bridge/pkg/wire"
)

// Protocol self-test runner, exercising the universal invariants of the
// wire codec and the fingerprint helpers without any network access:
//  1. frame round-trip (short and long length forms)
//  2. CRC-24 of the empty sequence equals the initial value, and is
//     deterministic across repeated calls
//  3. temperature conversion is idempotent under repeated round application

type result struct {
	name string
	err  error
}

func main() {
	fmt.Println("Protocol Self-Test")
	fmt.Println(strings.Repeat("=", 51))

	results := []result{
		{"frame round-trip (short length)", checkFrameRoundTripShort()},
		{"frame round-trip (long length)", checkFrameRoundTripLong()},
		{"frame long-length required over 65536 bytes", checkFrameRequiresLongType()},
		{"CRC-24 of empty sequence equals initial value", checkCRC24Empty()},
		{"CRC-24 is deterministic", checkCRC24Deterministic()},
		{"temperature round-trip is idempotent", checkTemperatureIdempotent()},
	}

	failures := 0
	for _, r := range results {
		if r.err != nil {
			failures++
			fmt.Printf("✗ %s: %v\n", r.name, r.err)
		} else {
			fmt.Printf("✓ %s\n", r.name)
		}
	}

	fmt.Println(strings.Repeat("=", 51))
	if failures > 0 {
		fmt.Printf("%d check(s) failed\n", failures)
		os.Exit(1)
	}
	fmt.Println("All checks passed")
}

func checkFrameRoundTripShort() error {
	payload := []byte("playback packet payload")
	var buf bytes.Buffer
	if err := wire.EncodeFrame(&buf, wire.TypePlaybackPacket, payload); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dec := wire.NewDecoder(bufio.NewReader(&buf))
	frame, err := dec.ReadFrame()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if frame.Type != wire.TypePlaybackPacket {
		return fmt.Errorf("type mismatch: got %d, want %d", frame.Type, wire.TypePlaybackPacket)
	}
	if !bytes.Equal(frame.Payload, payload) {
		return fmt.Errorf("payload mismatch: got %q, want %q", frame.Payload, payload)
	}
	return nil
}

func checkFrameRoundTripLong() error {
	payload := bytes.Repeat([]byte{0x42}, 70000)
	var buf bytes.Buffer
	if err := wire.EncodeFrame(&buf, wire.TypeLongPlaybackPacket, payload); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dec := wire.NewDecoder(bufio.NewReader(&buf))
	frame, err := dec.ReadFrame()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if len(frame.Payload) != len(payload) {
		return fmt.Errorf("length mismatch: got %d, want %d", len(frame.Payload), len(payload))
	}
	if !bytes.Equal(frame.Payload, payload) {
		return fmt.Errorf("payload mismatch")
	}
	return nil
}

func checkFrameRequiresLongType() error {
	payload := bytes.Repeat([]byte{0x01}, 70000)
	var buf bytes.Buffer
	err := wire.EncodeFrame(&buf, wire.TypePlaybackPacket, payload)
	if err == nil {
		return fmt.Errorf("expected an error encoding a %d-byte payload with the short-length type", len(payload))
	}
	return nil
}

func checkCRC24Empty() error {
	got := fingerprint.CRC24(nil)
	if got != 0xB704CE {
		return fmt.Errorf("got 0x%06X, want 0xB704CE", got)
	}
	return nil
}

func checkCRC24Deterministic() error {
	data := []byte("device.ABCDEFGH01234567")
	first := fingerprint.CRC24(data)
	for i := 0; i < 5; i++ {
		if got := fingerprint.CRC24(data); got != first {
			return fmt.Errorf("run %d: got 0x%06X, want 0x%06X", i, got, first)
		}
	}
	return nil
}

func checkTemperatureIdempotent() error {
	// C -> F -> C with round=true must settle: a second full round trip
	// from the settled value must reproduce the same value exactly.
	c := 21.5
	f := fingerprint.CelsiusToFahrenheit(c, true)
	settled := fingerprint.FahrenheitToCelsius(f, true)

	f2 := fingerprint.CelsiusToFahrenheit(settled, true)
	again := fingerprint.FahrenheitToCelsius(f2, true)
	if again != settled {
		return fmt.Errorf("round trip did not settle: got %v then %v", settled, again)
	}
	return nil
}
