package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"promobot/internal/campaign"
)

func TestRenderEscapesAndFormats(t *testing.T) {
	r := New(Options{})
	got, err := r.Render(campaign.Campaign{
		Title:       "Fish & Chips <today>",
		Body:        "2 for 1 until 9pm",
		ListingName: "Harbour Grill",
	}, "r1")
	require.NoError(t, err)
	require.Equal(t, ParseModeHTML, got.ParseMode)
	require.Equal(t, "<b>Fish &amp; Chips &lt;today&gt;</b>\n\n2 for 1 until 9pm\n\n<i>📍 Harbour Grill</i>", got.Text)
}

func TestRenderRequiresText(t *testing.T) {
	_, err := New(Options{}).Render(campaign.Campaign{Title: "  "}, "r1")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestRenderTruncatesBodyToLimit(t *testing.T) {
	r := New(Options{MaxRunes: 120})
	body := strings.Repeat("a&b ", 100) // escapes to far more than the limit
	got, err := r.Render(campaign.Campaign{Title: "Sale", Body: body}, "r1")
	require.NoError(t, err)
	require.LessOrEqual(t, runes(got.Text), 120)
	require.True(t, strings.HasPrefix(got.Text, "<b>Sale</b>\n\n"))
	require.True(t, strings.HasSuffix(got.Text, "…"))
	require.NotContains(t, got.Text[len(got.Text)-8:], "&am…", "entities are never split")
	require.Contains(t, got.Text, "a&amp;b a&amp;b", "body must survive truncation")
}

func TestRenderTruncationUsesWholeBudget(t *testing.T) {
	head := "<b>Sale</b>\n\n"
	for _, limit := range []int{20, 47, 120, 333} {
		r := New(Options{MaxRunes: limit})
		got, err := r.Render(campaign.Campaign{Title: "Sale", Body: strings.Repeat("a&b ", 200)}, "r1")
		require.NoError(t, err)
		n := runes(got.Text)
		require.LessOrEqual(t, n, limit)
		require.True(t, strings.HasPrefix(got.Text, head))
		// one more raw rune would add at most one escaped entity
		require.Greater(t, n, limit-len("&amp;")-1, "limit %d left budget unused: %q", limit, got.Text)
	}
}

func TestRenderFiltersButtons(t *testing.T) {
	in := []campaign.Button{
		{Text: "Menu", URL: "https://example.com/menu"},
		{Text: "", URL: "https://example.com/empty"},
		{Text: "Bad", URL: "javascript:alert(1)"},
		{Text: "Relative", URL: "/menu"},
		{Text: "Chat", URL: "tg://resolve?domain=harbourgrill"},
	}
	for i := range 10 {
		in = append(in, campaign.Button{Text: "Extra", URL: "https://example.com/" + string(rune('a'+i))})
	}
	got, err := New(Options{}).Render(campaign.Campaign{Title: "x", Buttons: in}, "r1")
	require.NoError(t, err)
	require.Len(t, got.Buttons, MaxButtons)
	require.Equal(t, "Menu", got.Buttons[0].Text)
	require.Equal(t, "tg://resolve?domain=harbourgrill", got.Buttons[1].URL)
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"héllo wörld", 3, "hé…"},
		{"abc", 0, ""},
		{"abc", 1, "…"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TruncRunes(tc.in, tc.n), "%q/%d", tc.in, tc.n)
	}
}
