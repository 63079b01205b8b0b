package tgui

import (
	"context"
	"testing"

	"botfleet/internal/transport"
)

type captureSender struct {
	text string
	opt  *transport.SendOptions
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.text, c.opt = text, opt
	return transport.MessageRef{}, nil
}

func TestBuilderEscapesHTML(t *testing.T) {
	t.Parallel()

	msg := New().
		ReplyTo(7).
		Title("🔁", "Relay <beta>").
		KV("Filter", "a&b").
		Blank().
		Line("1 < 2").
		RawLine(JoinH(" ", B("x"), "", I("y"))).
		Build()

	want := "🔁 <b>Relay &lt;beta&gt;</b>\n• <b>Filter</b>: a&amp;b\n\n1 &lt; 2\n<b>x</b> <i>y</i>"
	if msg.Text != want {
		t.Fatalf("text=%q\nwant=%q", msg.Text, want)
	}
	if msg.Opt.ParseMode != "HTML" || !msg.Opt.DisablePreview || msg.Opt.ReplyToID != 7 {
		t.Fatalf("opt=%+v", msg.Opt)
	}

	var c captureSender
	if _, err := msg.Send(context.Background(), &c, transport.ChatTarget{ChatID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if c.text != want || c.opt.ReplyToID != 7 {
		t.Fatalf("sent %q %+v", c.text, c.opt)
	}
}

func TestBuilderPlain(t *testing.T) {
	t.Parallel()

	msg := New().ParseMode("").Title("👋", "Hi <you>").KV("empty", "").Build()
	if msg.Text != "👋 Hi <you>\n• empty" || msg.Opt.ParseMode != "" {
		t.Fatalf("msg=%q mode=%q", msg.Text, msg.Opt.ParseMode)
	}
}

func TestMention(t *testing.T) {
	t.Parallel()
	if got := Mention(`A"B`, 42).String(); got != `<a href="tg://user?id=42">A&#34;B</a>` {
		t.Fatalf("mention=%s", got)
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	items := make([]int, 25)
	for i := range items {
		items[i] = i + 1
	}
	cases := []struct {
		page      int
		wantIndex int
		wantFirst int
		wantLen   int
		label     string
	}{
		{0, 0, 1, 10, "Page 1/3 • 1–10 of 25"},
		{1, 1, 11, 10, "Page 2/3 • 11–20 of 25"},
		{2, 2, 21, 5, "Page 3/3 • 21–25 of 25"},
		{9, 2, 21, 5, "Page 3/3 • 21–25 of 25"},
		{-1, 0, 1, 10, "Page 1/3 • 1–10 of 25"},
	}
	for _, tc := range cases {
		p := Paginate(items, tc.page, 10)
		if p.Index != tc.wantIndex || len(p.Items) != tc.wantLen || p.Items[0] != tc.wantFirst {
			t.Fatalf("page %d: %+v", tc.page, p)
		}
		if p.Label() != tc.label {
			t.Fatalf("page %d: label=%q", tc.page, p.Label())
		}
	}

	empty := Paginate([]int(nil), 3, 0)
	if empty.Size != 10 || len(empty.Items) != 0 || empty.HasNext || empty.Label() != "Page 1/1" {
		t.Fatalf("empty=%+v", empty)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo wörld", 7, "héllo w…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
