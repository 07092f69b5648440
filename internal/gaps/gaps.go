// Package gaps flags AI replies that suggest a knowledge gap: the bot said it
// does not know, pushed the visitor to a human, or answered too briefly.
// Consoles use the gap count per session to decide which conversations an
// agent should look at first.
package gaps

import (
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/gastownhall/live-relay/internal/wire"
)

// Indicator names the heuristic that fired.
type Indicator string

const (
	NoGap           Indicator = ""
	DontKnow        Indicator = "dont_know"
	HumanEscalation Indicator = "human_escalation"
	ShortResponse   Indicator = "short_response"
)

// DefaultMinResponseLength is the reply length, in characters, below which a
// non-empty bot reply counts as a gap.
const DefaultMinResponseLength = 50

// Phrases is the classifier's configuration. Matching is case-insensitive
// substring search.
type Phrases struct {
	DontKnow          []string `yaml:"dont_know"`
	HumanEscalation   []string `yaml:"human_escalation"`
	MinResponseLength int      `yaml:"min_response_length"`
}

// DefaultPhrases returns the built-in Polish and English phrase lists.
func DefaultPhrases() Phrases {
	return Phrases{
		DontKnow: []string{
			"nie wiem", "nie jestem pewien", "nie jestem pewna",
			"nie mam informacji", "nie posiadam informacji",
			"nie mogę odpowiedzieć", "nie moge odpowiedziec",
			"nie znam odpowiedzi", "brak informacji",
			"niestety nie wiem", "niestety nie mam",
			"nie jestem w stanie", "nie potrafię odpowiedzieć",
			"nie mam szczegółowych informacji", "nie mam szczegolowych informacji",
			"nie mam dokładnych informacji", "nie mam dokladnych informacji",
			"nie dysponuję informacjami", "nie dysponuje informacjami",
			"nie znalazłem informacji", "nie znalazlem informacji",
			"wykracza poza moją wiedzę", "wykracza poza moja wiedze",
			"poza zakresem mojej wiedzy",
			"i don't know", "i do not know", "i'm not sure", "i am not sure",
			"i don't have information", "i cannot answer", "i can't answer",
		},
		HumanEscalation: []string{
			"skontaktuj się", "zadzwoń", "napisz na", "wyślij email",
			"skontaktuj się z nami", "zadzwoń do nas", "napisz do nas",
			"proponuję kontakt", "polecam kontakt", "najlepiej zadzwonić",
			"nasz konsultant", "nasz zespół", "nasi specjaliści",
			"umów rozmowę", "umów spotkanie",
			"contact us", "call us", "email us",
		},
		MinResponseLength: DefaultMinResponseLength,
	}
}

// LoadPhrases reads a YAML phrase file. Keys missing from the file keep
// their defaults.
func LoadPhrases(path string) (Phrases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Phrases{}, err
	}
	p := DefaultPhrases()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Phrases{}, err
	}
	return p, nil
}

// Result is one flagged bot reply.
type Result struct {
	// Index is the reply's position in the scanned slice.
	Index     int
	Indicator Indicator
	// Phrase is the matched phrase, empty for ShortResponse.
	Phrase string
	// Question is the nearest preceding user message.
	Question string
}

// Classifier is immutable once built and safe for concurrent use.
type Classifier struct {
	dontKnow   []string
	escalation []string
	minLength  int
}

// NewClassifier lower-cases the phrase lists.
func NewClassifier(p Phrases) *Classifier {
	minLen := p.MinResponseLength
	if minLen <= 0 {
		minLen = DefaultMinResponseLength
	}
	return &Classifier{
		dontKnow:   lowerAll(p.DontKnow),
		escalation: lowerAll(p.HumanEscalation),
		minLength:  minLen,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Classify checks a single message. Only AI replies are classified; user
// turns and human agent messages never count as gaps.
func (c *Classifier) Classify(m wire.Message) (Indicator, string) {
	if m.Role != wire.RoleAssistant || m.IsAgent() {
		return NoGap, ""
	}
	lower := strings.ToLower(m.Text)
	for _, p := range c.dontKnow {
		if strings.Contains(lower, p) {
			return DontKnow, p
		}
	}
	for _, p := range c.escalation {
		if strings.Contains(lower, p) {
			return HumanEscalation, p
		}
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(m.Text)); n > 0 && n < c.minLength {
		return ShortResponse, ""
	}
	return NoGap, ""
}

// Scan classifies every message of a transcript in order.
func (c *Classifier) Scan(msgs []wire.Message) []Result {
	var out []Result
	question := ""
	for i, m := range msgs {
		if m.Role == wire.RoleUser {
			question = m.Text
			continue
		}
		ind, phrase := c.Classify(m)
		if ind == NoGap {
			continue
		}
		out = append(out, Result{Index: i, Indicator: ind, Phrase: phrase, Question: question})
	}
	return out
}

// Urgency buckets a session by its gap count.
type Urgency int

const (
	UrgencyNone Urgency = iota
	UrgencyElevated
	UrgencyHigh
)

// UrgencyFor maps 0 gaps to none, 1 to elevated and more to high.
func UrgencyFor(gapCount int) Urgency {
	switch {
	case gapCount <= 0:
		return UrgencyNone
	case gapCount == 1:
		return UrgencyElevated
	default:
		return UrgencyHigh
	}
}

func (u Urgency) String() string {
	switch u {
	case UrgencyElevated:
		return "elevated"
	case UrgencyHigh:
		return "high"
	default:
		return "none"
	}
}
