package rewrite

import (
	"regexp"
	"strings"
)

// LocationAlias is the identifier the client hook installs in place of the
// browser's location object.
const LocationAlias = "alloyLocation"

// jsDelim is the set of characters that may precede a rewritten location
// reference. Start of input counts as a delimiter.
const jsDelim = `(^|[\s,(=;:!&|?{}\[+])`

var (
	jsDocumentLocation = regexp.MustCompile(jsDelim + `(document|window)\.location`)
	jsBareLocation     = regexp.MustCompile(jsDelim + `location`)
)

// JS substitutes document.location, window.location and bare location
// references with the client hook's alias. The substitution is lexical: it
// does not parse the script, so occurrences inside string literals and
// comments are rewritten too.
func (r *Rewriter) JS(src string) string {
	if !strings.Contains(src, "location") {
		return src
	}
	src = replaceIdent(jsDocumentLocation, src, func(sub []string) string {
		return sub[1] + sub[2] + "." + LocationAlias
	})
	src = replaceIdent(jsBareLocation, src, func(sub []string) string {
		return sub[1] + LocationAlias
	})
	return src
}

// replaceIdent applies repl to every match of re that is not immediately
// followed by an identifier character, so "locationBar" stays untouched.
func replaceIdent(re *regexp.Regexp, src string, repl func(sub []string) string) string {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}

	var b strings.Builder
	b.Grow(len(src) + len(matches)*len(LocationAlias))
	last := 0
	for _, m := range matches {
		end := m[1]
		if end < len(src) && isIdentByte(src[end]) {
			continue
		}
		sub := make([]string, len(m)/2)
		for i := range sub {
			if m[2*i] >= 0 {
				sub[i] = src[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(src[last:m[0]])
		b.WriteString(repl(sub))
		last = end
	}
	b.WriteString(src[last:])
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
