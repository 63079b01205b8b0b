package tgui

import (
	"html"
	"strconv"
	"strings"
)

// H is markup already safe for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text, quotes included.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name, attrs, text string) H {
	var b strings.Builder
	b.Grow(len(name)*2 + len(attrs) + len(text) + 5)
	b.WriteByte('<')
	b.WriteString(name)
	b.WriteString(attrs)
	b.WriteByte('>')
	b.WriteString(html.EscapeString(text))
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
	return H(b.String())
}

func B(s string) H    { return tag("b", "", s) }
func I(s string) H    { return tag("i", "", s) }
func Code(s string) H { return tag("code", "", s) }

func Link(text, url string) H {
	return tag("a", ` href="`+html.EscapeString(url)+`"`, text)
}

// Mention links name to a Telegram user id.
func Mention(name string, userID int64) H {
	return Link(name, "tg://user?id="+strconv.FormatInt(userID, 10))
}

// JoinH joins parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			kept = append(kept, string(p))
		}
	}
	return H(strings.Join(kept, sep))
}
