package rewrite

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HookRoute is the path, relative to the proxy prefix, that serves the client
// hook script.
const HookRoute = "client_hook"

const placeholderTitle = "Loading…"

// HookConfig is handed to the client hook through the data-config attribute
// of the injected script tag.
type HookConfig struct {
	Prefix  string `json:"prefix"`
	URL     string `json:"url"`
	BaseURL string `json:"baseURL,omitempty"`
}

const srcElements = "script, embed, iframe, audio, video, img, input, source, track"

// HTML parses a document, rewrites every reference it carries and injects the
// client hook as the first child of <head>.
func (r *Rewriter) HTML(body []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	head := doc.Find("head").First()

	doc.Find("title").Remove()
	head.AppendHtml("<title>" + html.EscapeString(placeholderTitle) + "</title>")

	doc.Find(`link[rel*="icon"]`).Remove()
	head.AppendHtml(`<meta name="msapplication-TileImage" content="false">`)

	if href, ok := doc.Find("head base[href]").First().Attr("href"); ok {
		r.setBase(href)
	}
	// A <base> left pointing at the target would resolve the root-relative
	// proxied paths against the target origin.
	doc.Find("base[href]").Each(func(_ int, s *goquery.Selection) {
		if r.base == nil {
			s.RemoveAttr("href")
			return
		}
		s.SetAttr("href", r.URL(r.base.String()))
	})

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		s.RemoveAttr("nonce")
		s.RemoveAttr("integrity")
		if style, ok := s.Attr("style"); ok {
			s.SetAttr("style", r.CSS(style))
		}
	})

	doc.Find(srcElements).Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "src")
		if goquery.NodeName(s) == "script" && isJavaScript(s) {
			if text := s.Text(); strings.TrimSpace(text) != "" {
				setRawText(s, r.JS(text))
			}
		}
	})

	doc.Find("img[srcset], source[srcset]").Each(func(_ int, s *goquery.Selection) {
		srcset, _ := s.Attr("srcset")
		s.SetAttr("srcset", r.Srcset(srcset))
	})

	doc.Find("a, link, area").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "href")
	})
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		r.rewriteAttr(s, "action")
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		setRawText(s, r.CSS(s.Text()))
	})

	hook, err := r.hookTag()
	if err != nil {
		return nil, err
	}
	head.PrependHtml(hook)

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return []byte(out), nil
}

// Srcset rewrites each candidate of a srcset list, keeping its descriptor.
func (r *Rewriter) Srcset(v string) string {
	candidates := strings.Split(v, ",")
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		entry := r.URL(fields[0])
		if len(fields) > 1 {
			entry += " " + strings.Join(fields[1:], " ")
		}
		out = append(out, entry)
	}
	return strings.Join(out, ", ")
}

func (r *Rewriter) rewriteAttr(s *goquery.Selection, attr string) {
	v, ok := s.Attr(attr)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	s.SetAttr(attr, r.URL(v))
}

func (r *Rewriter) hookTag() (string, error) {
	cfg := HookConfig{
		Prefix: r.prefix,
		URL:    r.target.String(),
	}
	if r.base != nil {
		cfg.BaseURL = r.base.String()
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode hook config: %w", err)
	}
	return fmt.Sprintf(`<script src="%s" data-config="%s"></script>`,
		html.EscapeString(r.prefix+HookRoute),
		base64.StdEncoding.EncodeToString(payload),
	), nil
}

// setRawText replaces the children of raw-text elements (script, style) with
// a single text node. Selection.SetText escapes its input, which would corrupt
// script and style bodies since those are rendered unescaped.
func setRawText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// isJavaScript reports whether a <script> element holds executable script, as
// opposed to JSON, templates or other data blocks.
func isJavaScript(s *goquery.Selection) bool {
	typ, ok := s.Attr("type")
	if !ok {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "module", "text/javascript", "application/javascript",
		"text/ecmascript", "application/ecmascript", "text/jscript":
		return true
	}
	return false
}
