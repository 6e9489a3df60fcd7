package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON bodies; malformed JSON passes through raw.
func extractJSON(body []byte) (string, string) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return string(body), "raw"
	}
	formatted, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return string(body), "raw"
	}
	return string(formatted), "json"
}

// Regex-based HTML reduction. Not a readability engine, but it covers the
// common article shapes the fetch tool sees.
var (
	reStripBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<script[\s\S]*?</script>`),
		regexp.MustCompile(`(?is)<style[\s\S]*?</style>`),
		regexp.MustCompile(`<!--[\s\S]*?-->`),
		regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`),
		regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`),
		regexp.MustCompile(`(?is)<header[\s\S]*?</header>`),
	}
	reHeading   = regexp.MustCompile(`(?is)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	rePre       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode      = regexp.MustCompile(`(?is)<code[^>]*>([\s\S]*?)</code>`)
	reBlockq    = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	reAnchor    = regexp.MustCompile(`(?is)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	reImg       = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
	reStrong    = regexp.MustCompile(`(?is)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	reEm        = regexp.MustCompile(`(?is)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	reParagraph = regexp.MustCompile(`(?is)<p[^>]*>([\s\S]*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?is)<li[^>]*>([\s\S]*?)</li>`)
	reTag       = regexp.MustCompile(`<[^>]+>`)
	reMultiNL   = regexp.MustCompile(`\n{3,}`)
	reMultiSP   = regexp.MustCompile(`[ \t]{2,}`)
)

func stripNonContent(html string) string {
	s := html
	for _, re := range reStripBlocks {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// htmlToMarkdown converts HTML to a markdown-like rendition.
func htmlToMarkdown(html string) string {
	s := stripNonContent(html)

	s = reHeading.ReplaceAllStringFunc(s, func(m string) string {
		parts := reHeading.FindStringSubmatch(m)
		level := int(parts[1][0] - '0')
		return fmt.Sprintf("\n%s %s\n", strings.Repeat("#", level), strings.TrimSpace(parts[2]))
	})

	// Code blocks before generic tag stripping so their contents survive.
	s = rePre.ReplaceAllString(s, "\n```\n$1\n```\n")
	s = reCode.ReplaceAllString(s, "`$1`")

	s = reBlockq.ReplaceAllStringFunc(s, func(m string) string {
		parts := reBlockq.FindStringSubmatch(m)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, l := range lines {
			lines[i] = "> " + strings.TrimSpace(l)
		}
		return "\n" + strings.Join(lines, "\n") + "\n"
	})

	s = reAnchor.ReplaceAllString(s, "[$2]($1)")
	s = reImg.ReplaceAllString(s, "![$1]")
	s = reStrong.ReplaceAllString(s, "**$1**")
	s = reEm.ReplaceAllString(s, "*$1*")
	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = reMultiSP.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text from HTML.
func htmlToText(html string) string {
	s := stripNonContent(html)
	s = reParagraph.ReplaceAllString(s, "\n$1\n")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reListItem.ReplaceAllString(s, "\n- $1")
	s = reTag.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = reMultiSP.ReplaceAllString(s, " ")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

var (
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdInlineCode = regexp.MustCompile("`[^`]+`")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
)

// markdownToText strips markdown formatting for text mode.
func markdownToText(md string) string {
	s := mdHeading.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

var htmlEntityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&mdash;", "—",
	"&ndash;", "–",
	"&hellip;", "...",
	"&copy;", "(c)",
	"&reg;", "(R)",
)

func decodeHTMLEntities(s string) string {
	return htmlEntityReplacer.Replace(s)
}
