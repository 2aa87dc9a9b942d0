package image

import (
	"bytes"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Transport encodings accepted for uploaded images.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
)

// Sniff reports the transport encoding of raw from its content.
func Sniff(raw []byte) string {
	mt := mimetype.Detect(raw)
	switch {
	case mt.Is("application/gzip"):
		return EncodingGzip
	case mt.Is("application/zstd"):
		return EncodingZstd
	default:
		return EncodingIdentity
	}
}

// Decode unwraps a compressed upload. Uncompressed input is returned as is.
// Decompressed output longer than limit is rejected.
func Decode(raw []byte, limit int) ([]byte, error) {
	var r io.Reader

	switch Sniff(raw) {
	case EncodingGzip:
		gz, gerr := gzip.NewReader(bytes.NewReader(raw))
		if gerr != nil {
			return nil, fault.Errorf(fault.ErrCorrupt, "gzip: %v", gerr)
		}
		defer gz.Close()
		r = gz
	case EncodingZstd:
		zr, zerr := zstd.NewReader(bytes.NewReader(raw))
		if zerr != nil {
			return nil, fault.Errorf(fault.ErrCorrupt, "zstd: %v", zerr)
		}
		defer zr.Close()
		r = zr
	default:
		return raw, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fault.Errorf(fault.ErrCorrupt, "decompress: %v", err)
	}
	if len(out) > limit {
		return nil, fault.Errorf(fault.ErrTooLarge, "decompressed image exceeds %d bytes", limit)
	}
	return out, nil
}

// Compress wraps an encoded image in the given transport encoding.
func Compress(img []byte, encoding string) ([]byte, error) {
	var b bytes.Buffer

	switch encoding {
	case EncodingIdentity, "":
		return img, nil
	case EncodingGzip:
		w := gzip.NewWriter(&b)
		if _, err := w.Write(img); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingZstd:
		w, err := zstd.NewWriter(&b)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(img); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
	return b.Bytes(), nil
}
