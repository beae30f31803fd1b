// Package toolbox provides the small, dependency-free helpers shared by every
// other package in the transfer accelerator: byte-size conversions, the
// bucket compression codec, and MD5 helpers over instance content.
package toolbox

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

const (
	// KB and MB follow the legacy plugin's conversion constants.
	KB = 1024
	MB = 1024 * 1024
)

// ConvertToMegabytes rounds a byte count to the nearest megabyte.
func ConvertToMegabytes(value uint64) uint {
	return uint((value + MB/2) / MB)
}

// ConvertToKilobytes rounds a byte count to the nearest kilobyte.
func ConvertToKilobytes(value uint64) uint {
	return uint((value + KB/2) / KB)
}

// BucketCompression selects the wire codec applied to a TransferBucket payload.
type BucketCompression int

const (
	BucketCompressionNone BucketCompression = iota
	BucketCompressionGzip
)

// StringToBucketCompression parses the "compression" query/JSON value.
func StringToBucketCompression(value string) (BucketCompression, error) {
	switch value {
	case "gzip":
		return BucketCompressionGzip, nil
	case "none", "":
		return BucketCompressionNone, nil
	default:
		return 0, xferr.New(xferr.KindOutOfRange, "valid compression methods are \"gzip\" and \"none\", got \""+value+"\"")
	}
}

// String renders a BucketCompression back to its wire form.
func (c BucketCompression) String() string {
	switch c {
	case BucketCompressionGzip:
		return "gzip"
	case BucketCompressionNone:
		return "none"
	default:
		return "none"
	}
}

// ContentType returns the HTTP Content-Type associated with a compression mode.
func (c BucketCompression) ContentType() string {
	switch c {
	case BucketCompressionGzip:
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// Compress gzips payload when compression is BucketCompressionGzip, otherwise
// returns it unchanged.
func Compress(payload []byte, compression BucketCompression) ([]byte, error) {
	if compression != BucketCompressionGzip {
		return payload, nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress gunzips payload when compression is BucketCompressionGzip,
// otherwise returns it unchanged.
func Decompress(payload []byte, compression BucketCompression) ([]byte, error) {
	if compression != BucketCompressionGzip {
		return payload, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// MD5Hex computes the lowercase hex MD5 digest of b.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// MD5HexReader computes the lowercase hex MD5 digest of everything read from r.
func MD5HexReader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
