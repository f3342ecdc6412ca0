// Package hangup decides when a call may be ended: it recognises the agent's
// scripted sign-off and gates every termination signal behind it.
package hangup

import (
	"strings"
	"unicode/utf8"
)

// DefaultTailWindow is how close to the end of an utterance (in characters) a
// sign-off must start to count as the actual end of the conversation.
const DefaultTailWindow = 150

// Match is the result of scanning an utterance for a closing phrase.
type Match struct {
	Matched        bool
	Phrase         string
	AtUtteranceEnd bool
}

// Matcher finds allow-listed closing phrases in agent speech.
type Matcher struct {
	phrases []string
	window  int
}

func NewMatcher(phrases []string, window int) *Matcher {
	if window <= 0 {
		window = DefaultTailWindow
	}
	m := &Matcher{window: window}
	for _, p := range phrases {
		p = normalize(p)
		if p != "" {
			m.phrases = append(m.phrases, p)
		}
	}
	return m
}

// Detect reports the latest closing phrase in text and whether it starts within
// the final window characters. A phrase quoted earlier in a long utterance still
// matches, but not at the utterance end.
func (m *Matcher) Detect(text string) Match {
	norm := normalize(text)
	if norm == "" {
		return Match{}
	}

	best := Match{}
	bestIdx := -1
	for _, p := range m.phrases {
		idx := strings.LastIndex(norm, p)
		if idx < 0 || idx <= bestIdx {
			continue
		}
		bestIdx = idx
		best = Match{
			Matched:        true,
			Phrase:         p,
			AtUtteranceEnd: utf8.RuneCountInString(norm[idx:]) <= m.window,
		}
	}
	return best
}

// Contains reports whether text mentions any closing phrase anywhere.
func (m *Matcher) Contains(text string) bool {
	return m.Detect(text).Matched
}

func (m *Matcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	copy(out, m.phrases)
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
