package mail

import (
	"strings"
	"testing"
)

func TestSanitizeHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text passes through",
			in:   "hello world",
			want: "hello world",
		},
		{
			name: "whitelisted tags kept without attributes",
			in:   `<p class="x">hi <b>there</b></p>`,
			want: "<p>hi <b>there</b></p>",
		},
		{
			name: "script escaped",
			in:   "<script>alert(1)</script>",
			want: "&lt;script&gt;alert(1)",
		},
		{
			name: "img keeps safe src and alt",
			in:   `<img src="https://example.com/a.png" alt="pic" onerror="x()">`,
			want: `<img src="https://example.com/a.png" alt="pic">`,
		},
		{
			name: "img with javascript src loses src",
			in:   `<img src="javascript:alert(1)">`,
			want: "<img>",
		},
		{
			name: "anchor keeps safe href",
			in:   `<a href="https://example.com/x" onclick="x()">link</a>`,
			want: `<a href="https://example.com/x">link</a>`,
		},
		{
			name: "anchor with data href loses href",
			in:   `<a href="data:text/html,x">link</a>`,
			want: "<a>link</a>",
		},
		{
			name: "unclosed tag escaped",
			in:   "text <b",
			want: "text &lt;b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeHTML(tt.in); got != tt.want {
				t.Errorf("sanitizeHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSafeURL(t *testing.T) {
	safe := []string{"https://example.com/a", "http://example.com", "/relative", "./also", "../up", "plain"}
	for _, u := range safe {
		if !isSafeURL(u) {
			t.Errorf("isSafeURL(%q) = false, want true", u)
		}
	}
	unsafe := []string{"javascript:alert(1)", "JAVASCRIPT:x", " data:text/html,x", "vbscript:x", "file:///etc/passwd", "about:blank", ""}
	for _, u := range unsafe {
		if isSafeURL(u) {
			t.Errorf("isSafeURL(%q) = true, want false", u)
		}
	}
}

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>body { color: red; }</style></head><body>` +
		`<p>First line</p><p>Second line</p><blockquote>quoted</blockquote></body></html>`
	got := htmlToText(html)

	if strings.Contains(got, "color: red") {
		t.Errorf("stylesheet leaked into text: %q", got)
	}
	for _, want := range []string{"First line", "Second line", "quoted"} {
		if !strings.Contains(got, want) {
			t.Errorf("text missing %q: %q", want, got)
		}
	}
	if strings.Index(got, "First") > strings.Index(got, "Second") {
		t.Errorf("paragraph order lost: %q", got)
	}
}
