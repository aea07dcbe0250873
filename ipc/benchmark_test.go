package ipc

import (
	"bytes"
	"testing"
)

// buildFrame encodes a frame whose payload is full of delimiter bytes.
func buildFrame(b *testing.B, size int) []byte {
	b.Helper()
	payload := bytes.Repeat([]byte{'|', 0x00, 0xFF, 'x'}, size/4)
	buf, err := Encode("job-0001", "image/png", payload)
	if err != nil {
		b.Fatalf("Encode: %v", err)
	}
	return buf
}

// naiveSplit is a global split on the delimiter, kept as a baseline.
// It scans the full payload and is wrong for payloads containing '|'.
func naiveSplit(buf []byte) [][]byte {
	return bytes.Split(buf, []byte{Delimiter})
}

func BenchmarkDecode_1MiB(b *testing.B) {
	buf := buildFrame(b, 1<<20)
	d := NewFrameDecoder(0)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		if _, err := d.Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkNaiveSplit_1MiB(b *testing.B) {
	buf := buildFrame(b, 1<<20)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		_ = naiveSplit(buf)
	}
}
