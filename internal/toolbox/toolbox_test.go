package toolbox

import (
	"bytes"
	"testing"
)

func TestConvertToMegabytes(t *testing.T) {
	if got := ConvertToMegabytes(0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := ConvertToMegabytes(MB); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := ConvertToMegabytes(3*MB + MB/2 + 1); got != 4 {
		t.Fatalf("expected rounding up to 4, got %d", got)
	}
}

func TestConvertToKilobytes(t *testing.T) {
	if got := ConvertToKilobytes(KB); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
}

func TestStringToBucketCompression(t *testing.T) {
	cases := map[string]BucketCompression{
		"gzip": BucketCompressionGzip,
		"none": BucketCompressionNone,
		"":     BucketCompressionNone,
	}
	for in, want := range cases {
		got, err := StringToBucketCompression(in)
		if err != nil {
			t.Fatalf("StringToBucketCompression(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("StringToBucketCompression(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := StringToBucketCompression("lz4"); err == nil {
		t.Fatal("expected error for unsupported compression method")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	compressed, err := Compress(payload, BucketCompressionGzip)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if bytes.Equal(compressed, payload) {
		t.Fatal("expected gzip output to differ from input")
	}

	decompressed, err := Decompress(compressed, BucketCompressionGzip)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, payload) {
		t.Fatalf("round trip mismatch: got %q, want %q", decompressed, payload)
	}

	same, err := Compress(payload, BucketCompressionNone)
	if err != nil {
		t.Fatalf("Compress(none): %v", err)
	}
	if !bytes.Equal(same, payload) {
		t.Fatal("expected BucketCompressionNone to pass through unchanged")
	}
}

func TestMD5Hex(t *testing.T) {
	got := MD5Hex([]byte("0123456789"))
	want := "781e5e245d69b566979b86e28d23f2c7"
	if got != want {
		t.Fatalf("MD5Hex = %s, want %s", got, want)
	}
}
