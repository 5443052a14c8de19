package prompt

import "strings"

// titleEscaper makes a string safe inside a double-quoted XML attribute.
var titleEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// textEscaper makes a string safe as XML text content.
var textEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// WrapExternal wraps untrusted content in an <external> block so the model
// treats it as data, never as instructions. The title is attribute-escaped
// and the content text-escaped; callers must sanitize the content BEFORE
// wrapping (scan first, then wrap).
func WrapExternal(title, content string) string {
	var b strings.Builder
	b.Grow(len(content) + len(title) + 32)
	b.WriteString(`<external title="`)
	b.WriteString(titleEscaper.Replace(title))
	b.WriteString(`">`)
	b.WriteString("\n")
	b.WriteString(textEscaper.Replace(content))
	b.WriteString("\n</external>")
	return b.String()
}
