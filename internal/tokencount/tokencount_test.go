package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountScalesWithInput(t *testing.T) {
	assert.Zero(t, Count(""))

	short := Count("hello")
	long := Count(strings.Repeat("hello world, this is a longer sentence. ", 50))
	assert.Greater(t, short, int64(0))
	assert.Greater(t, long, short)
}

func TestCountNonEmptyNeverZero(t *testing.T) {
	for _, text := range []string{"a", "Hi!", "日本語のテキスト"} {
		assert.Greater(t, Count(text), int64(0), "text %q", text)
	}
}

func TestCountTurnIncludesOverhead(t *testing.T) {
	prompt, completion := "what is the weather", "it is sunny today"
	turn := CountTurn(prompt, completion)
	assert.Equal(t, Count(prompt)+Count(completion)+8, turn)
}

func TestEstimateFallback(t *testing.T) {
	assert.Equal(t, int64(0), estimate(""))
	assert.Equal(t, int64(1), estimate("ab"), "tiny non-empty input rounds up to one token")
	assert.Equal(t, int64(10), estimate(strings.Repeat("x", 40)))
}
