package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists the content codings ReadBody can undo. It replaces the
// browser's Accept-Encoding on upstream requests.
const AcceptEncoding = "gzip, deflate, br, zstd"

// ErrBodyTooLarge is returned by ReadBody when the decoded body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ReadBody reads body to the end, undoing every coding listed in
// contentEncoding (applied in reverse order). Unknown codings are treated as
// identity. At most limit decoded bytes are accepted; limit <= 0 disables
// the cap.
func ReadBody(body io.Reader, contentEncoding string, limit int64) ([]byte, error) {
	br := bufio.NewReader(body)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	var (
		r       io.Reader = br
		closers []io.Closer
	)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		dec, err := decoder(coding, r)
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", coding, err)
		}
		if c, ok := dec.(io.Closer); ok {
			closers = append(closers, c)
		}
		r = dec
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return out, nil
}

func decoder(coding string, r io.Reader) (io.Reader, error) {
	switch coding {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return deflateReader(r)
	case "br":
		return brotli.NewReader(r), nil
	case "zstd":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return r, nil
	}
}

// deflateReader accepts both zlib-wrapped data, which is what the
// "deflate" coding specifies, and the raw deflate streams some servers send.
func deflateReader(r io.Reader) (io.Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	hdr, err := br.Peek(2)
	if err == nil && isZlibHeader(hdr[0], hdr[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
