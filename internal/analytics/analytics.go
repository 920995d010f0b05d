// Package analytics summarises a chatbot's conversation log: the most
// asked questions, frequent keywords and when visitors are active.
package analytics

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hurttlocker/owlbee/internal/store"
)

type Question struct {
	Question   string  `json:"question"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type Keyword struct {
	Keyword string `json:"keyword"`
	Score   int    `json:"score"` // relative to the most frequent keyword (100)
}

type HourCount struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// Report is the analytics view of a conversation log.
type Report struct {
	TotalConversations int            `json:"total_conversations"`
	TopQuestions       []Question     `json:"top_questions"`
	Keywords           []Keyword      `json:"keywords"`
	AvgMessageLength   float64        `json:"avg_message_length"`
	BusiestHour        string         `json:"busiest_hour"`
	BusiestDay         string         `json:"busiest_day"`
	Hourly             []HourCount    `json:"hourly_distribution"`
	Sources            map[string]int `json:"sources"`
}

// Summarize builds a Report. Timestamps are bucketed in loc (UTC when nil).
func Summarize(convs []store.Conversation, loc *time.Location) Report {
	if loc == nil {
		loc = time.UTC
	}
	r := Report{
		TopQuestions: []Question{},
		Keywords:     []Keyword{},
		BusiestHour:  "N/A",
		BusiestDay:   "N/A",
		Sources:      map[string]int{},
	}
	if len(convs) == 0 {
		return r
	}

	messages := make([]string, len(convs))
	total := 0
	var hours [24]int
	days := map[string]int{}
	var dayOrder []string
	for i, c := range convs {
		messages[i] = c.Message
		total += len([]rune(c.Message))
		if c.Source != "" {
			r.Sources[c.Source]++
		}
		if c.CreatedAt.IsZero() {
			continue
		}
		t := c.CreatedAt.In(loc)
		hours[t.Hour()]++
		day := t.Weekday().String()
		if days[day] == 0 {
			dayOrder = append(dayOrder, day)
		}
		days[day]++
	}

	r.TotalConversations = len(convs)
	r.TopQuestions = TopQuestions(messages, 10)
	r.Keywords = Keywords(messages, 20)
	r.AvgMessageLength = round2(float64(total) / float64(len(convs)))

	r.Hourly = make([]HourCount, 24)
	busiest, busiestN := -1, 0
	for h, n := range hours {
		r.Hourly[h] = HourCount{Hour: hourLabel(h, false), Count: n}
		if n > busiestN {
			busiest, busiestN = h, n
		}
	}
	if busiest >= 0 {
		r.BusiestHour = hourLabel(busiest, true)
	}
	bestDay := 0
	for _, d := range dayOrder {
		if days[d] > bestDay {
			r.BusiestDay, bestDay = d, days[d]
		}
	}
	return r
}

var punctRe = regexp.MustCompile(`[^\w\s?]`)

func normalizeQuestion(msg string) string {
	clean := strings.Join(strings.Fields(strings.ToLower(msg)), " ")
	return punctRe.ReplaceAllString(clean, "")
}

// TopQuestions counts messages that are equal after lowercasing, collapsing
// whitespace and dropping punctuation other than "?". Each entry shows the
// first original spelling. Ties keep first-seen order.
func TopQuestions(messages []string, n int) []Question {
	out := []Question{}
	if len(messages) == 0 || n <= 0 {
		return out
	}
	counts := map[string]int{}
	first := map[string]string{}
	var order []string
	for _, m := range messages {
		key := normalizeQuestion(m)
		if _, ok := counts[key]; !ok {
			order = append(order, key)
			first[key] = m
		}
		counts[key]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	for _, key := range order[:min(n, len(order))] {
		out = append(out, Question{
			Question:   first[key],
			Count:      counts[key],
			Percentage: round2(float64(counts[key]) / float64(len(messages)) * 100),
		})
	}
	return out
}

var (
	wordRe    = regexp.MustCompile(`\b[a-z]{3,}\b`)
	stopWords = map[string]bool{}
)

func init() {
	for _, w := range strings.Fields(`the a an and or but in on at to for of with by from as is was are
were been be have has had do does did will would could should may might can what when where
who how why which this that these those i you he she it we they my your his her its our their
me him us them`) {
		stopWords[w] = true
	}
}

// Keywords returns the most frequent non-stop-words of three or more
// letters, scored against the most frequent one.
func Keywords(messages []string, n int) []Keyword {
	out := []Keyword{}
	counts := map[string]int{}
	var order []string
	for _, m := range messages {
		for _, w := range wordRe.FindAllString(strings.ToLower(m), -1) {
			if stopWords[w] {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	if len(order) == 0 || n <= 0 {
		return out
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	top := counts[order[0]]
	for _, w := range order[:min(n, len(order))] {
		out = append(out, Keyword{Keyword: w, Score: counts[w] * 100 / top})
	}
	return out
}

func hourLabel(h int, withMinutes bool) string {
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	ampm := "AM"
	if h >= 12 {
		ampm = "PM"
	}
	if withMinutes {
		return fmt.Sprintf("%d:00 %s", h12, ampm)
	}
	return fmt.Sprintf("%d %s", h12, ampm)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
