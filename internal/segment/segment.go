// Package segment splits extracted document text into short retrieval passages.
//
// Passages are roughly sentence sized. Wrapped continuation text is folded back
// into the passage it belongs to, and a question passage keeps its answer
// directly after it so nearest-neighbour retrieval can walk from one to the other.
package segment

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrNoContent is returned when the input yields no usable passages.
var ErrNoContent = errors.New("no content found to train on")

// Options tunes the segmenter. Zero fields take the defaults.
type Options struct {
	MinFragment int // fragments shorter than this are discarded (default: 5)
	MinPassage  int // flushed passages must be longer than this (default: 10)
	MergeLimit  int // continuation merges stay under this length (default: 200)
	PairLimit   int // question+answer must stay under this length (default: 300)
	ExtendLimit int // answer extended by one more passage stays under this (default: 400)
}

// DefaultOptions returns the standard segmentation limits.
func DefaultOptions() Options {
	return Options{
		MinFragment: 5,
		MinPassage:  10,
		MergeLimit:  200,
		PairLimit:   300,
		ExtendLimit: 400,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinFragment <= 0 {
		o.MinFragment = d.MinFragment
	}
	if o.MinPassage <= 0 {
		o.MinPassage = d.MinPassage
	}
	if o.MergeLimit <= 0 {
		o.MergeLimit = d.MergeLimit
	}
	if o.PairLimit <= 0 {
		o.PairLimit = d.PairLimit
	}
	if o.ExtendLimit <= 0 {
		o.ExtendLimit = d.ExtendLimit
	}
	return o
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Terminal punctuation is consumed by the split.
	sentenceEndRe = regexp.MustCompile(`[.!?]+(?:\s+|$)`)
)

// Segment splits text into passages using the default options.
func Segment(text string) ([]string, error) {
	return SegmentWith(text, DefaultOptions())
}

// SegmentWith splits text into ordered passages.
func SegmentWith(text string, opts Options) ([]string, error) {
	opts = opts.withDefaults()

	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	if text == "" {
		return nil, ErrNoContent
	}

	merged := mergeFragments(sentenceEndRe.Split(text, -1), opts)
	passages := pairQuestions(merged, opts)

	out := passages[:0]
	for _, p := range passages {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoContent
	}
	return out, nil
}

// mergeFragments folds continuation fragments into the running passage.
func mergeFragments(fragments []string, opts Options) []string {
	var passages []string
	current := ""

	flush := func() {
		if current != "" && runeLen(current) > opts.MinPassage {
			passages = append(passages, current)
		}
	}

	for _, frag := range fragments {
		frag = strings.TrimSpace(frag)
		if runeLen(frag) < opts.MinFragment {
			continue
		}

		if current != "" &&
			!startsUpper(frag) &&
			!endsTerminal(current) &&
			runeLen(current)+1+runeLen(frag) < opts.MergeLimit {
			current += " " + frag
			continue
		}

		flush()
		current = frag
	}
	flush()

	return passages
}

// pairQuestions keeps a question passage immediately followed by its answer,
// extending the answer with one more passage when it still fits.
func pairQuestions(passages []string, opts Options) []string {
	out := make([]string, 0, len(passages))
	for i := 0; i < len(passages); {
		p := passages[i]
		if LooksLikeQuestion(p) &&
			i+1 < len(passages) &&
			!LooksLikeQuestion(passages[i+1]) &&
			runeLen(p)+1+runeLen(passages[i+1]) < opts.PairLimit {

			out = append(out, p)
			answer := passages[i+1]
			step := 2
			if i+2 < len(passages) &&
				!LooksLikeQuestion(passages[i+2]) &&
				runeLen(answer)+1+runeLen(passages[i+2]) < opts.ExtendLimit {
				answer += " " + passages[i+2]
				step = 3
			}
			out = append(out, answer)
			i += step
			continue
		}
		out = append(out, p)
		i++
	}
	return out
}

var questionStarters = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"which": true, "who": true, "whom": true, "can": true, "could": true,
	"would": true, "do": true, "does": true, "did": true, "is": true,
	"are": true, "was": true, "were": true, "will": true, "should": true,
}

// LooksLikeQuestion reports whether text is shaped like a question: a "Q:"
// prefix, a leading question word, or a trailing question mark.
func LooksLikeQuestion(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.HasPrefix(text, "Q:") || strings.HasSuffix(text, "?") {
		return true
	}
	return questionStarters[firstWord(text)]
}

// firstWord returns the leading run of letters, lowercased.
func firstWord(text string) string {
	end := strings.IndexFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	if end == -1 {
		end = len(text)
	}
	return strings.ToLower(text[:end])
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

func endsTerminal(s string) bool {
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
