package rewrite

import "testing"

func TestCSS(t *testing.T) {
	r := newTestRewriter(t, "https://example.com/css/site.css")

	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "double quoted url",
			src:  `body{background:url("/bg.png")}`,
			want: `body{background:url("` + proxied("https://example.com/bg.png") + `")}`,
		},
		{
			name: "single quoted url",
			src:  `a{background:url('img/a.png')}`,
			want: `a{background:url('` + proxied("https://example.com/css/img/a.png") + `')}`,
		},
		{
			name: "bare url",
			src:  `a{background:url(img/a.png)}`,
			want: `a{background:url("` + proxied("https://example.com/css/img/a.png") + `")}`,
		},
		{
			name: "spaced quoted url",
			src:  `a{background:url( "/x.png" )}`,
			want: `a{background:url("` + proxied("https://example.com/x.png") + `")}`,
		},
		{
			name: "data url untouched",
			src:  `a{background:url(data:image/png;base64,AAAA)}`,
			want: `a{background:url("data:image/png;base64,AAAA")}`,
		},
		{
			name: "import string",
			src:  `@import "reset.css";`,
			want: `@import "` + proxied("https://example.com/css/reset.css") + `";`,
		},
		{
			name: "import single quoted",
			src:  `@import 'reset.css';`,
			want: `@import '` + proxied("https://example.com/css/reset.css") + `';`,
		},
		{
			name: "import url",
			src:  `@import url("//cdn.example.net/font.css");`,
			want: `@import url("` + proxied("https://cdn.example.net/font.css") + `");`,
		},
		{
			name: "no references",
			src:  `p{color:red}`,
			want: `p{color:red}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.CSS(tt.src); got != tt.want {
				t.Errorf("CSS(%q) = %q, want %q", tt.src, got, tt.want)
			}
		})
	}
}

func TestCSS_Idempotent(t *testing.T) {
	r := newTestRewriter(t, "https://example.com/")

	once := r.CSS(`@import url("a.css"); b{background:url(b.png)}`)
	if twice := r.CSS(once); twice != once {
		t.Errorf("second pass = %q, want %q", twice, once)
	}
}
