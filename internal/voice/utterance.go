package voice

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type UtteranceSource string

const (
	SourceSpeech UtteranceSource = "speech"
	SourceText   UtteranceSource = "text"
)

// Utterance is a completed user turn handed to the response generator.
type Utterance struct {
	Text             string
	ShouldEndSession bool
	Source           UtteranceSource
	// Forced marks interim text salvaged when the stream ended without a final.
	Forced bool
}

// DefaultStopPhrases end the session when spoken as whole words.
var DefaultStopPhrases = []string{"exit", "quit"}

// nounMarkers preceding a stop phrase make it a noun ("the exit sign"), not a
// command.
var nounMarkers = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"my": {}, "your": {}, "our": {}, "his": {}, "her": {}, "their": {}, "its": {},
	"no": {}, "every": {}, "each": {}, "which": {},
}

var lastWordRe = regexp.MustCompile(`([\p{L}']+)\s+$`)

type DetectorConfig struct {
	StopPhrases []string
	// SalvageInterim emits the last interim text as a forced utterance when
	// recognition ends without a final event.
	SalvageInterim bool
	// MaxUtterance bounds how long an utterance may stay open after its
	// first interim. Zero disables the bound.
	MaxUtterance time.Duration
}

// UtteranceDetector turns transcript events into utterances. It is owned by a
// single controller goroutine and is not safe for concurrent use.
type UtteranceDetector struct {
	stop         *regexp.Regexp
	salvage      bool
	maxUtterance time.Duration
	now          func() time.Time

	interim  string
	openedAt time.Time
}

func NewUtteranceDetector(cfg DetectorConfig) (*UtteranceDetector, error) {
	phrases := cfg.StopPhrases
	if len(phrases) == 0 {
		phrases = DefaultStopPhrases
	}
	stop, err := compileStopPhrases(phrases)
	if err != nil {
		return nil, err
	}
	return &UtteranceDetector{
		stop:         stop,
		salvage:      cfg.SalvageInterim,
		maxUtterance: cfg.MaxUtterance,
		now:          time.Now,
	}, nil
}

func compileStopPhrases(phrases []string) (*regexp.Regexp, error) {
	parts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		words := strings.Fields(p)
		for i := range words {
			words[i] = regexp.QuoteMeta(words[i])
		}
		parts = append(parts, strings.Join(words, `\s+`))
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no usable stop phrases")
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
}

// Observe consumes one event. It yields an utterance only for a final event
// with non-blank text.
func (d *UtteranceDetector) Observe(ev TranscriptEvent) (Utterance, bool) {
	text := strings.TrimSpace(ev.Text)
	if !ev.IsFinal {
		if text != "" {
			if d.openedAt.IsZero() {
				d.openedAt = d.now()
			}
			d.interim = text
		}
		return Utterance{}, false
	}
	d.Reset()
	if text == "" {
		return Utterance{}, false
	}
	return d.build(text, SourceSpeech, false), true
}

// Finish applies the end-of-stream policy and resets. Without salvage it
// never yields an utterance.
func (d *UtteranceDetector) Finish() (Utterance, bool) {
	interim := d.interim
	d.Reset()
	if !d.salvage || interim == "" {
		return Utterance{}, false
	}
	return d.build(interim, SourceSpeech, true), true
}

// Classify wraps typed input as an utterance, bypassing recognition.
func (d *UtteranceDetector) Classify(text string) Utterance {
	return d.build(strings.TrimSpace(text), SourceText, false)
}

// Interim returns the best interim text of the open utterance.
func (d *UtteranceDetector) Interim() string { return d.interim }

// Deadline reports when the open utterance exceeds MaxUtterance.
func (d *UtteranceDetector) Deadline() (time.Time, bool) {
	if d.maxUtterance <= 0 || d.openedAt.IsZero() {
		return time.Time{}, false
	}
	return d.openedAt.Add(d.maxUtterance), true
}

func (d *UtteranceDetector) Reset() {
	d.interim = ""
	d.openedAt = time.Time{}
}

// IsStopCommand reports whether text contains a stop phrase used as a
// command: a whole-word, case-insensitive match not directly preceded by an
// article or possessive. Punctuation between the two breaks the noun reading.
func (d *UtteranceDetector) IsStopCommand(text string) bool {
	for _, loc := range d.stop.FindAllStringIndex(text, -1) {
		m := lastWordRe.FindStringSubmatch(text[:loc[0]])
		if m == nil {
			return true
		}
		if _, noun := nounMarkers[strings.ToLower(m[1])]; !noun {
			return true
		}
	}
	return false
}

func (d *UtteranceDetector) build(text string, src UtteranceSource, forced bool) Utterance {
	return Utterance{
		Text:             text,
		ShouldEndSession: d.IsStopCommand(text),
		Source:           src,
		Forced:           forced,
	}
}
