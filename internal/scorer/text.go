package scorer

import (
	"strings"

	"golang.org/x/net/html"
)

// maxTextLen caps the text sent for analysis
const maxTextLen = 10 * 1024

// PlainText strips markup from content and returns readable text with
// whitespace collapsed. Plain input comes back unchanged apart from spacing.
func PlainText(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return strings.Join(strings.Fields(content), " ")
	}

	var sb strings.Builder
	var extract func(*html.Node)

	// Tags to skip (non-content)
	skipTags := map[string]bool{
		"script": true, "style": true, "noscript": true, "iframe": true,
	}

	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}

		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}

	extract(doc)

	result := strings.Join(strings.Fields(sb.String()), " ")
	if len(result) > maxTextLen {
		result = strings.ToValidUTF8(result[:maxTextLen], "")
	}
	return result
}
