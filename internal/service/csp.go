package service

import (
	"slices"
	"strings"
)

// cspDirectives are the fetch directives that must admit the proxy origin,
// since every rewritten reference points at it.
var cspDirectives = []string{"frame-src", "script-src", "style-src", "img-src", "connect-src"}

// patchCSP grants origin in each of cspDirectives. An existing directive gets
// origin right after 'self' (or at the end); a missing one is appended,
// inheriting default-src when the policy has one so that its fallback
// semantics are preserved.
func patchCSP(policy, origin string) string {
	var (
		directives [][]string
		defaultSrc []string
	)
	for _, part := range strings.Split(policy, ";") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		fields[0] = strings.ToLower(fields[0])
		if fields[0] == "default-src" {
			defaultSrc = fields[1:]
		}
		directives = append(directives, fields)
	}

	present := make(map[string]bool, len(cspDirectives))
	for i, fields := range directives {
		if !slices.Contains(cspDirectives, fields[0]) {
			continue
		}
		present[fields[0]] = true
		directives[i] = grant(fields, origin)
	}

	for _, name := range cspDirectives {
		if present[name] {
			continue
		}
		fields := append([]string{name}, defaultSrc...)
		directives = append(directives, grant(fields, origin))
	}

	out := make([]string, 0, len(directives))
	for _, fields := range directives {
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "; ")
}

// grant adds origin to a directive's source list. 'none' cannot be combined
// with other sources, so it is replaced.
func grant(fields []string, origin string) []string {
	sources := fields[1:]
	if slices.Contains(sources, origin) {
		return fields
	}
	if i := slices.IndexFunc(sources, func(s string) bool { return strings.EqualFold(s, "'none'") }); i != -1 {
		sources = slices.Delete(slices.Clone(sources), i, i+1)
		return append(append([]string{fields[0]}, sources...), origin)
	}
	if i := slices.IndexFunc(sources, func(s string) bool { return strings.EqualFold(s, "'self'") }); i != -1 {
		return slices.Insert(slices.Clone(fields), i+2, origin)
	}
	return append(slices.Clone(fields), origin)
}
