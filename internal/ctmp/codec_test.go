package ctmp

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func mkBaseFrame(payload []byte) []byte {
	var buf bytes.Buffer
	var hdr [HeaderLen]byte
	hdr[0] = Magic
	binary.BigEndian.PutUint16(hdr[lengthPos:], uint16(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	return buf.Bytes()
}

func mkExtendedFrame(opt byte, payload []byte) []byte {
	var hdr [HeaderLen]byte
	hdr[0] = Magic
	hdr[1] = opt
	binary.BigEndian.PutUint16(hdr[lengthPos:], uint16(len(payload)))
	if opt == OptSensitive {
		sum := checksum(hdr, payload)
		binary.BigEndian.PutUint16(hdr[checksumPos:], sum)
	}
	var buf bytes.Buffer
	buf.Write(hdr[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestParseBaseRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 8, 1023, 65535} {
		payload := make([]byte, n)
		_, _ = rand.Read(payload)
		wire := mkBaseFrame(payload)

		msg, err := Parse(bytes.NewReader(wire), false)
		if err != nil {
			t.Fatalf("n=%d: Parse error: %v", n, err)
		}
		if int(msg.Length) != n {
			t.Fatalf("n=%d: Length = %d", n, msg.Length)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Fatalf("n=%d: payload mismatch", n)
		}

		var out bytes.Buffer
		if err := Serialize(&out, msg); err != nil {
			t.Fatalf("n=%d: Serialize error: %v", n, err)
		}
		if !bytes.Equal(out.Bytes(), wire) {
			t.Fatalf("n=%d: serialize round-trip mismatch", n)
		}
	}
}

func TestParseExtendedSensitiveAccept(t *testing.T) {
	wire := mkExtendedFrame(OptSensitive, []byte("secret"))
	msg, err := Parse(bytes.NewReader(wire), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Sensitive() {
		t.Fatalf("expected Sensitive() true")
	}
	if string(msg.Payload) != "secret" {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestParseExtendedSensitiveRejectsMutatedPayload(t *testing.T) {
	wire := mkExtendedFrame(OptSensitive, []byte("secret"))
	wire[len(wire)-1] ^= 0xFF // mutate payload after checksumming

	_, err := Parse(bytes.NewReader(wire), true)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestParseExtendedNormalSkipsChecksum(t *testing.T) {
	wire := mkExtendedFrame(OptNormal, []byte("hello"))
	msg, err := Parse(bytes.NewReader(wire), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Sensitive() {
		t.Fatalf("expected Sensitive() false")
	}
}

func TestParseBadMagic(t *testing.T) {
	wire := mkBaseFrame([]byte("x"))
	wire[0] = 0xAB
	_, err := Parse(bytes.NewReader(wire), false)
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestParseBasePaddingRejectsOptionsByte(t *testing.T) {
	wire := mkBaseFrame([]byte("x"))
	wire[1] = 0x40 // options byte set, invalid in base mode
	_, err := Parse(bytes.NewReader(wire), false)
	if err == nil {
		t.Fatalf("expected error for non-zero options byte in base mode")
	}
}

func TestParseExtendedBadOptions(t *testing.T) {
	wire := mkExtendedFrame(OptNormal, []byte("x"))
	wire[1] = 0x7F // neither 0x00 nor 0x40
	_, err := Parse(bytes.NewReader(wire), true)
	if !errors.Is(err, ErrBadOptions) {
		t.Fatalf("expected ErrBadOptions, got %v", err)
	}
}

func TestParseExtendedBadPadding(t *testing.T) {
	wire := mkExtendedFrame(OptNormal, []byte("x"))
	wire[6] = 0x01
	_, err := Parse(bytes.NewReader(wire), true)
	if !errors.Is(err, ErrBadPadding) {
		t.Fatalf("expected ErrBadPadding, got %v", err)
	}
}

func TestParseClosedAtFrameBoundary(t *testing.T) {
	_, err := Parse(bytes.NewReader(nil), false)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseShortReadMidHeader(t *testing.T) {
	wire := mkBaseFrame([]byte("x"))
	_, err := Parse(bytes.NewReader(wire[:4]), false)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestParseShortReadMidPayload(t *testing.T) {
	wire := mkBaseFrame([]byte("hello"))
	_, err := Parse(bytes.NewReader(wire[:HeaderLen+2]), false)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

// errWriter always fails, used to exercise writeFull's error path.
type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestSerializeWriteError(t *testing.T) {
	msg := &Message{Header: [HeaderLen]byte{Magic}, Payload: nil}
	if err := Serialize(errWriter{}, msg); err == nil {
		t.Fatalf("expected write error")
	}
}

func BenchmarkParseBase(b *testing.B) {
	wire := mkBaseFrame(make([]byte, 1024))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Parse(bytes.NewReader(wire), false)
	}
}

func BenchmarkSerialize(b *testing.B) {
	msg, _ := Parse(bytes.NewReader(mkBaseFrame(make([]byte, 1024))), false)
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_ = Serialize(&buf, msg)
	}
}

func FuzzParse(f *testing.F) {
	f.Add(mkBaseFrame([]byte("hi")))
	f.Add(mkExtendedFrame(OptSensitive, []byte("secret")))
	f.Add([]byte{Magic, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Parse(bytes.NewReader(data), false)
		_, _ = Parse(bytes.NewReader(data), true)
	})
}
