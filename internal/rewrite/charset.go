package rewrite

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// minSniffConfidence is the chardet confidence (0-100) below which the
// statistical guess is ignored.
const minSniffConfidence = 30

// fallbackCharset is what charset.DetermineEncoding reports when neither a
// BOM, contentType nor a <meta> declaration names an encoding.
const fallbackCharset = "windows-1252"

// ToUTF8 transcodes an HTML body to UTF-8 using the charset declared in
// a BOM, contentType or a <meta> declaration. Undeclared bodies that are not
// valid UTF-8 are sniffed. converted is false when body is returned untouched.
func ToUTF8(body []byte, contentType string) (out []byte, converted bool, err error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	// A <meta> declaration is reported as uncertain too; only the fallback
	// means nothing was declared.
	if !certain && name == fallbackCharset {
		if utf8.Valid(body) {
			return body, false, nil
		}
		if sniffed, sniffedName := sniffCharset(body); sniffed != nil {
			enc, name = sniffed, sniffedName
		}
	}
	if name == "utf-8" || enc == nil {
		return body, false, nil
	}
	out, err = enc.NewDecoder().Bytes(body)
	if err != nil {
		return body, false, fmt.Errorf("transcode %s: %w", name, err)
	}
	return out, true, nil
}

// UTF8ContentType returns contentType with its charset parameter replaced by
// utf-8.
func UTF8ContentType(contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/html; charset=utf-8"
	}
	params["charset"] = "utf-8"
	return mime.FormatMediaType(mediaType, params)
}

// sniffCharset guesses the encoding of undeclared HTML. It returns nil when
// the detector is unsure or names a charset the decoder does not know.
func sniffCharset(body []byte) (encoding.Encoding, string) {
	result, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || result == nil || result.Confidence < minSniffConfidence {
		return nil, ""
	}
	enc, name := charset.Lookup(strings.ToLower(result.Charset))
	if enc == nil {
		return nil, ""
	}
	return enc, name
}
