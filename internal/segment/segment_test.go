package segment

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentRefundPolicy(t *testing.T) {
	got, err := Segment("What is your refund policy? We offer a 30-day money-back guarantee.")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "What is your refund policy", got[0])
	assert.Equal(t, "We offer a 30-day money-back guarantee", got[1])
	assert.True(t, LooksLikeQuestion(got[0]))
	assert.False(t, LooksLikeQuestion(got[1]))
}

func TestSegmentEmpty(t *testing.T) {
	for _, in := range []string{"", "   \n\t ", "Hi. Ok. No."} {
		_, err := Segment(in)
		assert.ErrorIs(t, err, ErrNoContent, "input %q", in)
	}
}

func TestSegmentNormalizesWhitespace(t *testing.T) {
	got, err := Segment("Our office is open\n\non   weekdays only.\r\nParking is free for visitors.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Our office is open on weekdays only", "Parking is free for visitors"}, got)
}

func TestSegmentMergesContinuations(t *testing.T) {
	// A lowercase fragment after a split continues the running passage.
	got, err := Segment("Shipping takes three days! unless you live overseas.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Shipping takes three days unless you live overseas"}, got)
}

func TestSegmentMergeLimit(t *testing.T) {
	long := strings.Repeat("a", 190)
	got, err := Segment("Start " + long + ". continuation text here.")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "continuation text here", got[1])
}

func TestSegmentDropsShortPieces(t *testing.T) {
	got, err := Segment("Ok. Fine. This sentence is long enough to keep.")
	require.NoError(t, err)
	assert.Equal(t, []string{"This sentence is long enough to keep"}, got)
}

func TestSegmentExtendsAnswer(t *testing.T) {
	text := "How do I reset my password? Open the settings page. Then choose Reset Password from the menu. Is there a fee? No fees apply to resets."
	got, err := Segment(text)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"How do I reset my password",
		"Open the settings page Then choose Reset Password from the menu",
		"Is there a fee",
		"No fees apply to resets",
	}, got)
}

func TestSegmentPreservesContent(t *testing.T) {
	text := `Acme Widgets was founded in 1999. We ship worldwide!
Do you offer discounts? Yes, students get ten percent off.
Contact us at support for help with orders and returns.`
	got, err := Segment(text)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	joined := alnum(strings.Join(got, " "))
	for _, p := range got {
		assert.GreaterOrEqual(t, len([]rune(p)), 5)
	}
	assert.Equal(t, alnum(text), joined)
}

func TestLooksLikeQuestion(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"What is the price", true},
		{"Q: shipping times", true},
		{"Anything else?", true},
		{"can you help", true},
		{"Is it open", true},
		{"Island tours run daily", false},
		{"Documents are required", false},
		{"We offer refunds", false},
		{"A: Yes we do", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksLikeQuestion(tt.in))
		})
	}
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
