package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyword_Sentiment(t *testing.T) {
	k := NewKeyword()
	tests := []struct {
		text string
		want string
	}{
		{"Thank you, that was great!", Positive},
		{"I am ANGRY and upset", Negative},
		{"where is my parcel", Neutral},
		{"good but bad", Neutral},
	}
	for _, tt := range tests {
		got, _ := k.Sentiment(tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestKeyword_Intent(t *testing.T) {
	k := NewKeyword()
	tests := []struct {
		text       string
		want       string
		confidence float64
	}{
		{"the app shows an error and is not working", "technical_support", 0.6},
		{"why was my payment charged twice on the invoice", "billing_inquiry", 0.9},
		{"hello there", DefaultIntent, 0.5},
		{"error bug broken issue problem not working", "technical_support", 1.0},
	}
	for _, tt := range tests {
		got, conf := k.Intent(tt.text)
		assert.Equal(t, tt.want, got, tt.text)
		assert.InDelta(t, tt.confidence, conf, 1e-9, tt.text)
	}
}

func TestKeyword_IntentTieGoesToEarlierRule(t *testing.T) {
	// "bug" scores technical_support once, "love" scores praise once.
	got, _ := NewKeyword().Intent("love this bug")
	assert.Equal(t, "technical_support", got)
}
