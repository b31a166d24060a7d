// Package tokencount estimates token usage for billing when the backend
// does not report it.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoder     *tiktoken.Tiktoken
	encoderOnce sync.Once
	encoderErr  error
)

func initEncoder() error {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// Count returns the token count of a text. Falls back to a chars/4
// heuristic when the encoder is unavailable.
func Count(text string) int64 {
	if err := initEncoder(); err != nil {
		return estimate(text)
	}
	return int64(len(encoder.Encode(text, nil, nil)))
}

// CountTurn returns the billable token count of one chat turn: the user
// prompt plus the assistant completion, with a small per-message framing
// overhead.
func CountTurn(prompt, completion string) int64 {
	const perMessageOverhead = 4
	return Count(prompt) + Count(completion) + 2*perMessageOverhead
}

func estimate(text string) int64 {
	n := int64(len(text)) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
