package moderation

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Reason namespaces.
const (
	ReasonLength     = "length:max"
	ReasonLinks      = "links:spam"
	ReasonRepeat     = "repeat:char"
	ReasonCaps       = "caps:shouting"
	ReasonDeep       = "deep:classifier"
	bannedPrefix     = "banned_term:"
	spamPhrasePrefix = "spam_phrase:"
)

// Defaults for the heuristic tier.
const (
	DefaultMaxLength      = 8000
	DefaultMaxLinks       = 3
	DefaultMaxRepeat      = 5
	DefaultCapsRatio      = 0.8
	DefaultCapsMinLetters = 5
	DefaultCapsMinLength  = 10
	DefaultDeepCacheSize  = 1024
	DefaultDeepTimeout    = 3 * time.Second
)

// DefaultBannedTerms are matched case-insensitively as substrings.
//
//nolint:gochecknoglobals // default word list
var DefaultBannedTerms = []string{
	"sikerim", "orospu", "pezevenk", "aq ", "amk", "fuck", "fucker", "motherfucker",
	"bastard", "kill you", "rape", "şerefsiz", "yarrak", "gotu", "götünü", "it oğlu",
}

// DefaultSpamPhrases are matched case-insensitively as substrings.
//
//nolint:gochecknoglobals // default phrase list
var DefaultSpamPhrases = []string{"click here", "free money", "buy now", "limited offer"}

var linkPattern = regexp.MustCompile(`(?i)(?:https?://|\bwww\.)\S*`)

// Config holds the moderation settings.
type Config struct {
	MaxLength      int           `json:"max_length" yaml:"max_length"`
	MaxLinks       int           `json:"max_links" yaml:"max_links"`
	MaxRepeat      int           `json:"max_repeat" yaml:"max_repeat"`
	CapsRatio      float64       `json:"caps_ratio" yaml:"caps_ratio"`
	CapsMinLetters int           `json:"caps_min_letters" yaml:"caps_min_letters"`
	CapsMinLength  int           `json:"caps_min_length" yaml:"caps_min_length"`
	BannedTerms    []string      `json:"banned_terms" yaml:"banned_terms"`
	SpamPhrases    []string      `json:"spam_phrases" yaml:"spam_phrases"`
	DeepEnabled    bool          `json:"deep_enabled" yaml:"deep_enabled"`
	DeepCacheSize  int           `json:"deep_cache_size" yaml:"deep_cache_size"`
	DeepTimeout    time.Duration `json:"deep_timeout" yaml:"deep_timeout"`
}

// DefaultConfig returns the heuristic defaults with the deep tier disabled.
func DefaultConfig() Config {
	return Config{
		MaxLength:      DefaultMaxLength,
		MaxLinks:       DefaultMaxLinks,
		MaxRepeat:      DefaultMaxRepeat,
		CapsRatio:      DefaultCapsRatio,
		CapsMinLetters: DefaultCapsMinLetters,
		CapsMinLength:  DefaultCapsMinLength,
		BannedTerms:    append([]string(nil), DefaultBannedTerms...),
		SpamPhrases:    append([]string(nil), DefaultSpamPhrases...),
		DeepCacheSize:  DefaultDeepCacheSize,
		DeepTimeout:    DefaultDeepTimeout,
	}
}

// Heuristic is the deterministic tier. It never calls out and is safe for concurrent use.
type Heuristic struct {
	cfg    Config
	banned []string
	spam   []string
}

// NewHeuristic lower-cases the term lists once.
func NewHeuristic(cfg Config) *Heuristic {
	return &Heuristic{cfg: cfg, banned: lowerAll(cfg.BannedTerms), spam: lowerAll(cfg.SpamPhrases)}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ShouldFlag applies the rules in order; the first match wins.
func (h *Heuristic) ShouldFlag(_ context.Context, text string) (bool, string) {
	if h.cfg.MaxLength > 0 && utf8.RuneCountInString(text) > h.cfg.MaxLength {
		return true, ReasonLength
	}

	lower := strings.ToLower(text)
	for _, term := range h.banned {
		if strings.Contains(lower, term) {
			return true, bannedPrefix + strings.TrimSpace(term)
		}
	}

	if h.cfg.MaxLinks > 0 && CountLinks(text) > h.cfg.MaxLinks {
		return true, ReasonLinks
	}

	if h.cfg.MaxRepeat > 0 && longestRun(text) > h.cfg.MaxRepeat {
		return true, ReasonRepeat
	}

	if h.shouting(text) {
		return true, ReasonCaps
	}

	for _, phrase := range h.spam {
		if strings.Contains(lower, phrase) {
			return true, spamPhrasePrefix + phrase
		}
	}

	return false, ""
}

// CountLinks counts URL-like substrings.
func CountLinks(text string) int {
	return len(linkPattern.FindAllStringIndex(text, -1))
}

// longestRun is the longest run of one repeated non-space character.
func longestRun(text string) int {
	longest, run := 0, 0
	var prev rune
	for i, r := range []rune(text) {
		if unicode.IsSpace(r) {
			run = 0
			prev = r
			continue
		}
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > longest {
			longest = run
		}
	}
	return longest
}

func (h *Heuristic) shouting(text string) bool {
	if h.cfg.CapsRatio <= 0 || utf8.RuneCountInString(text) < h.cfg.CapsMinLength {
		return false
	}
	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < h.cfg.CapsMinLetters {
		return false
	}
	return float64(upper)/float64(letters) >= h.cfg.CapsRatio
}
