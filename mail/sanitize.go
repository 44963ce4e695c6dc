package mail

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// sanitizeHTML sanitizes untrusted post HTML using a strict whitelist.
// Only safe tags and attributes survive, preventing XSS, phishing, and
// tracking in mail clients.
func sanitizeHTML(html string) string {
	allowedTags := map[string]bool{
		"p":          true,
		"br":         true,
		"b":          true,
		"strong":     true,
		"i":          true,
		"em":         true,
		"u":          true,
		"blockquote": true,
		"pre":        true,
		"code":       true,
		"img":        true,
		"a":          true,
		"ul":         true,
		"ol":         true,
		"li":         true,
		"div":        true,
		"span":       true,
	}

	var result strings.Builder
	inTag := false
	tagStart := 0

	for i := 0; i < len(html); i++ {
		switch {
		case html[i] == '<':
			if inTag {
				// Malformed HTML, escape the previous <
				result.WriteString("&lt;")
			}
			inTag = true
			tagStart = i
		case html[i] == '>' && inTag:
			tagContent := html[tagStart+1 : i]

			isClosing := strings.HasPrefix(tagContent, "/")
			if isClosing {
				tagContent = tagContent[1:]
			}

			tagName := tagContent
			if idx := strings.IndexAny(tagContent, " \t\n"); idx != -1 {
				tagName = tagContent[:idx]
			}
			tagName = strings.ToLower(tagName)

			switch {
			case allowedTags[tagName] && isClosing:
				result.WriteString("</")
				result.WriteString(tagName)
				result.WriteString(">")
			case allowedTags[tagName]:
				result.WriteString("<")
				result.WriteString(tagName)
				// Only img and a keep any attributes, and only safe ones.
				switch tagName {
				case "img":
					if src := extractAttribute(tagContent, "src"); src != "" && isSafeURL(src) {
						result.WriteString(` src="`)
						result.WriteString(escapeHTML(src))
						result.WriteString(`"`)
					}
					if alt := extractAttribute(tagContent, "alt"); alt != "" {
						result.WriteString(` alt="`)
						result.WriteString(escapeHTML(alt))
						result.WriteString(`"`)
					}
				case "a":
					if href := extractAttribute(tagContent, "href"); href != "" && isSafeURL(href) {
						result.WriteString(` href="`)
						result.WriteString(escapeHTML(href))
						result.WriteString(`"`)
					}
				}
				result.WriteString(">")
			case !isClosing:
				// Disallowed opening tag: escape it so the reader can
				// tell content was neutralized rather than dropped.
				result.WriteString("&lt;")
				result.WriteString(escapeHTML(tagContent))
				result.WriteString("&gt;")
			}
			// Disallowed closing tags are silently removed.

			inTag = false
		case !inTag:
			result.WriteByte(html[i])
		}
	}

	if inTag {
		result.WriteString("&lt;")
		result.WriteString(escapeHTML(html[tagStart+1:]))
	}

	return result.String()
}

// extractAttribute extracts an attribute value from an HTML tag string.
func extractAttribute(tag, attrName string) string {
	patterns := []string{
		attrName + `="`,
		attrName + `='`,
	}

	for _, pattern := range patterns {
		idx := strings.Index(strings.ToLower(tag), pattern)
		if idx == -1 {
			continue
		}

		start := idx + len(pattern)
		quote := pattern[len(pattern)-1]
		end := strings.IndexByte(tag[start:], quote)
		if end == -1 {
			continue
		}

		return tag[start : start+end]
	}

	return ""
}

// isSafeURL validates that a URL is safe for use in mail. Only http,
// https, and relative URLs pass; javascript:, data: and friends do not.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	dangerousProtocols := []string{
		"javascript:",
		"data:",
		"vbscript:",
		"file:",
		"about:",
	}
	for _, protocol := range dangerousProtocols {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		strings.HasPrefix(urlStr, "./") ||
		strings.HasPrefix(urlStr, "../") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0)
}

// htmlToText derives the plain-text alternative body from rendered HTML.
// Falls back to the raw input if the markup does not parse.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("style, script, head").Remove()
	doc.Find("br").Each(func(_ int, sel *goquery.Selection) {
		sel.ReplaceWithHtml("\n")
	})
	doc.Find("p, div, li, blockquote, h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})

	text := doc.Text()
	lines := strings.Split(text, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
