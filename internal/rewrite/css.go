package rewrite

import (
	"regexp"
	"strings"
)

var (
	cssURLDouble    = regexp.MustCompile(`(?i)url\(\s*"(.*?)"\s*\)`)
	cssURLSingle    = regexp.MustCompile(`(?i)url\(\s*'(.*?)'\s*\)`)
	cssURLBare      = regexp.MustCompile(`(?i)url\((.*?)\)`)
	cssImportDouble = regexp.MustCompile(`(?i)(@import\s+)"(.*?)"`)
	cssImportSingle = regexp.MustCompile(`(?i)(@import\s+)'(.*?)'`)
)

// CSS rewrites url(...) references and @import targets in a stylesheet or a
// style attribute. @import url(...) is covered by the url(...) passes.
func (r *Rewriter) CSS(src string) string {
	if lower := strings.ToLower(src); !strings.Contains(lower, "url(") && !strings.Contains(lower, "@import") {
		return src
	}

	src = cssURLDouble.ReplaceAllStringFunc(src, func(m string) string {
		u := cssURLDouble.FindStringSubmatch(m)[1]
		return `url("` + r.URL(u) + `")`
	})
	src = cssURLSingle.ReplaceAllStringFunc(src, func(m string) string {
		u := cssURLSingle.FindStringSubmatch(m)[1]
		return `url('` + r.URL(u) + `')`
	})
	src = cssURLBare.ReplaceAllStringFunc(src, func(m string) string {
		u := strings.TrimSpace(cssURLBare.FindStringSubmatch(m)[1])
		// Quoted forms were handled above.
		if u == "" || strings.HasPrefix(u, `"`) || strings.HasPrefix(u, `'`) {
			return m
		}
		return `url("` + r.URL(u) + `")`
	})
	src = cssImportDouble.ReplaceAllStringFunc(src, func(m string) string {
		sub := cssImportDouble.FindStringSubmatch(m)
		return sub[1] + `"` + r.URL(sub[2]) + `"`
	})
	src = cssImportSingle.ReplaceAllStringFunc(src, func(m string) string {
		sub := cssImportSingle.FindStringSubmatch(m)
		return sub[1] + `'` + r.URL(sub[2]) + `'`
	})
	return src
}
