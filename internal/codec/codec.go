// Package codec converts absolute target URLs to and from the opaque path
// tokens that follow the proxy prefix.
//
// A v2 token is the whole URL in standard base64 wrapped as "_<payload>_/".
// The standard alphabet never produces '_', so the delimiter is unambiguous.
// v1 tokens ("_<base64 origin>_<path segments>") are accepted on decode only.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	delimiter = "_"
	closing   = "_/"
)

// ErrInvalidToken is wrapped by every DecodeError.
var ErrInvalidToken = errors.New("invalid url token")

// DecodeError reports a path that could not be decoded. Input is the path as
// received so callers can surface it in diagnostics.
type DecodeError struct {
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("decode %q: %v", e.Input, ErrInvalidToken)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidToken}
	}
	return []error{ErrInvalidToken, e.Err}
}

// Codec encodes and decodes URL tokens. It is immutable and safe for
// concurrent use.
type Codec struct {
	legacy bool
}

// New returns a Codec. When legacy is true, Decode falls back to the v1
// origin-plus-path format for links issued before v2.
func New(legacy bool) *Codec {
	return &Codec{legacy: legacy}
}

// Encode returns the v2 token for an absolute URL.
func (c *Codec) Encode(rawURL string) string {
	return delimiter + base64.StdEncoding.EncodeToString([]byte(rawURL)) + closing
}

// Decode returns the URL carried by path. The input is returned unchanged
// together with a *DecodeError when neither format applies.
func (c *Codec) Decode(path string) (string, error) {
	clean := strings.TrimPrefix(path, "/")
	parts := strings.Split(clean, delimiter)

	var v2Err error
	if strings.HasPrefix(clean, delimiter) && strings.Contains(clean, closing) {
		if len(parts) >= 3 && parts[1] != "" {
			decoded, err := DecodeBase64(parts[1])
			if err == nil {
				return decoded, nil
			}
			v2Err = err
		}
	}

	if c.legacy && len(parts) >= 3 {
		origin, err := DecodeBase64(parts[1])
		if err != nil {
			if v2Err == nil {
				v2Err = err
			}
			return path, &DecodeError{Input: path, Err: v2Err}
		}
		// v1 joins literal path segments back with the delimiter; an
		// underscore that was part of the original path is indistinguishable.
		rest := strings.TrimPrefix(strings.Join(parts[2:], delimiter), "/")
		if rest == "" {
			return origin, nil
		}
		return origin + "/" + rest, nil
	}

	return path, &DecodeError{Input: path, Err: v2Err}
}

// Split separates a v2 token from anything the browser appended after it,
// e.g. "_aHR0cHM6Ly9hLmI=_/img/x.png" yields the token and "img/x.png".
// ok is false when path does not start with a v2 token.
func (c *Codec) Split(path string) (token, rest string, ok bool) {
	clean := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(clean, delimiter) {
		return "", "", false
	}
	end := strings.Index(clean[1:], closing)
	if end <= 0 {
		return "", "", false
	}
	end += 1 + len(closing)
	return clean[:end], clean[end:], true
}

// IsToken reports whether s is exactly one decodable v2 token.
func (c *Codec) IsToken(s string) bool {
	token, rest, ok := c.Split(s)
	if !ok || rest != "" {
		return false
	}
	_, err := DecodeBase64(token[1 : len(token)-len(closing)])
	return err == nil
}

// DecodeBase64 decodes s leniently: padded or unpadded, standard or URL-safe
// alphabet, and with '+' that a query string turned into ' '. The result must
// be non-empty valid UTF-8.
func DecodeBase64(s string) (string, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "+")
	if s == "" {
		return "", errors.New("empty payload")
	}

	var (
		out []byte
		err error
	)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		out, err = enc.DecodeString(s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	if len(out) == 0 || !utf8.Valid(out) {
		return "", errors.New("payload is not utf-8 text")
	}
	return string(out), nil
}
