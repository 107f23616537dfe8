package protocol

import (
	"bytes"
	"testing"
)

func TestCompressionMarshal(t *testing.T) {
	cases := []struct {
		c    Compression
		text string
	}{
		{CompressNever, "never"},
		{CompressAlways, "always"},
		{CompressMetadata, "metadata"},
	}
	for _, tc := range cases {
		bs, err := tc.c.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", tc.c, err)
		}
		if string(bs) != tc.text {
			t.Errorf("MarshalText(%v) = %q, want %q", tc.c, bs, tc.text)
		}
	}
}

func TestCompressionUnmarshal(t *testing.T) {
	cases := []struct {
		text string
		want Compression
	}{
		{"never", CompressNever},
		{"false", CompressNever},
		{"always", CompressAlways},
		{"metadata", CompressMetadata},
		{"true", CompressMetadata},
		{"garbage", CompressMetadata},
		{"", CompressMetadata},
	}
	for _, tc := range cases {
		var c Compression
		if err := c.UnmarshalText([]byte(tc.text)); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", tc.text, err)
		}
		if c != tc.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tc.text, c, tc.want)
		}
	}
}

func TestShouldCompressThreshold(t *testing.T) {
	if CompressAlways.shouldCompress(compressionThreshold-1, typeIndex) {
		t.Error("a body under the threshold should never be compressed")
	}
	if !CompressAlways.shouldCompress(compressionThreshold, typeResponse) {
		t.Error("CompressAlways should compress a Response at or above the threshold")
	}
}

func TestShouldCompressMetadataExcludesResponse(t *testing.T) {
	if CompressMetadata.shouldCompress(compressionThreshold, typeResponse) {
		t.Error("CompressMetadata should never compress a Response body")
	}
	if !CompressMetadata.shouldCompress(compressionThreshold, typeIndex) {
		t.Error("CompressMetadata should compress a non-Response body at or above the threshold")
	}
}

func TestShouldCompressNever(t *testing.T) {
	if CompressNever.shouldCompress(1<<20, typeIndex) {
		t.Error("CompressNever should never compress anything")
	}
}

func TestLZ4BlockRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	compressed, err := lz4CompressBlock(nil, src)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(src) {
		t.Errorf("compressed size %d not smaller than input %d for highly repetitive input", len(compressed), len(src))
	}
	decompressed, err := lz4DecompressBlock(compressed, len(src))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, src) {
		t.Error("decompressed bytes did not match original")
	}
}

func TestLZ4IncompressibleInput(t *testing.T) {
	// A single repeated byte always compresses under LZ4; an empty input
	// has nothing to compress and some implementations report it as such.
	_, err := lz4CompressBlock(nil, nil)
	if err != nil && err != errIncompressible {
		t.Fatalf("unexpected error compressing empty input: %v", err)
	}
}
