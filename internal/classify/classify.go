// Package classify tags inbound messages with sentiment and intent using
// keyword heuristics.
package classify

import "strings"

// Sentiment labels.
const (
	Positive = "positive"
	Negative = "negative"
	Neutral  = "neutral"
)

// DefaultIntent is returned when no intent keyword matches.
const DefaultIntent = "general_inquiry"

// Classifier labels message text.
type Classifier interface {
	Sentiment(text string) (label string, score float64)
	Intent(text string) (label string, confidence float64)
}

type intentRule struct {
	intent   string
	keywords []string
}

// Keyword is a Classifier driven by fixed keyword lists.
type Keyword struct {
	positive []string
	negative []string
	intents  []intentRule
}

// NewKeyword returns the default keyword classifier.
func NewKeyword() *Keyword {
	return &Keyword{
		positive: []string{"happy", "great", "excellent", "thank", "good", "satisfied", "pleased"},
		negative: []string{"angry", "frustrated", "terrible", "awful", "bad", "disappointed", "upset"},
		intents: []intentRule{
			{"technical_support", []string{"error", "bug", "not working", "broken", "issue", "problem"}},
			{"billing_inquiry", []string{"bill", "charge", "payment", "invoice", "subscription", "refund"}},
			{"general_inquiry", []string{"how", "what", "when", "where", "info", "information"}},
			{"complaint", []string{"complain", "disappointed", "terrible", "awful", "bad experience"}},
			{"praise", []string{"great", "excellent", "amazing", "love", "fantastic", "wonderful"}},
		},
	}
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}

// Sentiment compares positive and negative keyword hits.
func (k *Keyword) Sentiment(text string) (string, float64) {
	lower := strings.ToLower(text)
	pos := countHits(lower, k.positive)
	neg := countHits(lower, k.negative)
	switch {
	case pos > neg:
		return Positive, 0.7
	case neg > pos:
		return Negative, 0.7
	default:
		return Neutral, 0.6
	}
}

// Intent picks the rule with the most keyword hits. Ties go to the earlier
// rule. Confidence is 0.3 per hit, capped at 1.
func (k *Keyword) Intent(text string) (string, float64) {
	lower := strings.ToLower(text)
	best, bestHits := "", 0
	for _, rule := range k.intents {
		if hits := countHits(lower, rule.keywords); hits > bestHits {
			best, bestHits = rule.intent, hits
		}
	}
	if bestHits == 0 {
		return DefaultIntent, 0.5
	}
	return best, min(float64(bestHits)*0.3, 1.0)
}
