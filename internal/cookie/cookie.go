// Package cookie namespaces upstream cookies per target hostname so that
// cookies from many sites can share the single origin the browser sees.
//
// On the wire a scoped cookie is named "<name>@<scope>", where scope is the
// target hostname with every '.' replaced by '@'.
package cookie

import (
	"regexp"
	"strings"
)

const marker = "@"

var domainAttr = regexp.MustCompile(`(?i)(;\s*domain\s*=\s*)[^;]*`)

// Scope returns the scope suffix for hostname.
func Scope(hostname string) string {
	return strings.ReplaceAll(strings.ToLower(hostname), ".", marker)
}

// FilterRequest rewrites a Cookie request header for an upstream request to
// hostname. Unscoped cookies and cookies scoped to other hosts are dropped;
// matching cookies are forwarded under their original name.
func FilterRequest(header, hostname string) string {
	if header == "" {
		return ""
	}
	scope := Scope(hostname)

	var kept []string
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		eq := strings.IndexByte(pair, '=')
		if eq == -1 {
			continue
		}
		name, value := pair[:eq], pair[eq+1:]

		at := strings.Index(name, marker)
		if at == -1 {
			continue
		}
		if name[at+1:] != scope {
			continue
		}
		kept = append(kept, name[:at]+"="+value)
	}
	return strings.Join(kept, "; ")
}

// ScopeSetCookie rewrites one Set-Cookie line from hostname: the cookie name
// gains the scope suffix and a Domain attribute, if any, is pointed at
// proxyHost. Lines without a name=value pair are returned unchanged.
func ScopeSetCookie(line, hostname, proxyHost string) string {
	pairEnd := strings.IndexByte(line, ';')
	if pairEnd == -1 {
		pairEnd = len(line)
	}
	eq := strings.IndexByte(line[:pairEnd], '=')
	if eq == -1 {
		return line
	}

	name := strings.TrimSpace(line[:eq])
	scoped := name + marker + Scope(hostname) + line[eq:]

	if proxyHost == "" {
		return scoped
	}
	return domainAttr.ReplaceAllString(scoped, "${1}"+proxyHost)
}
