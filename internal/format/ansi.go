package format

import (
	"html"
	"regexp"
	"strings"
)

var (
	logTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}:\d{2}\.\d{3}\s`)
	ansiCode     = regexp.MustCompile(`\x1b?\[(\d{1,2})m`)
)

var ansiClasses = map[string]string{
	"31": "text-red-400",
	"32": "text-green-400",
	"33": "text-yellow-400",
	"34": "text-blue-400",
	"35": "text-purple-400",
	"36": "text-cyan-400",
	"37": "text-gray-400",
}

// ANSIToHTML converts the colour escapes NodePass writes into its logs to
// <span class="..."> markup. The text itself is HTML-escaped first, a leading
// "2006-01-02 15:04:05.000 " timestamp is dropped, unknown codes are removed
// and unbalanced spans are closed at the end.
func ANSIToHTML(text string) string {
	text = logTimestamp.ReplaceAllString(text, "")
	text = html.EscapeString(text)

	open := 0
	text = ansiCode.ReplaceAllStringFunc(text, func(m string) string {
		code := ansiCode.FindStringSubmatch(m)[1]
		if code == "0" {
			if open == 0 {
				return ""
			}
			open--
			return "</span>"
		}
		class, ok := ansiClasses[code]
		if !ok {
			return ""
		}
		open++
		return `<span class="` + class + `">`
	})
	text = strings.ReplaceAll(text, "\x1b", "")
	return text + strings.Repeat("</span>", open)
}

// StripANSI removes colour escapes, for plain terminal output.
func StripANSI(text string) string {
	text = ansiCode.ReplaceAllString(text, "")
	return strings.ReplaceAll(text, "\x1b", "")
}
