package executor

import (
	"math"
	"sync"
	"unicode"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

var (
	tokenCodec     tokenizer.Codec
	tokenCodecOnce sync.Once
)

func codec() tokenizer.Codec {
	tokenCodecOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("token estimator: cl100k_base unavailable, using character estimate: %v", err)
			return
		}
		tokenCodec = enc
	})
	return tokenCodec
}

// EstimateTokens counts tokens with cl100k_base, falling back to the
// character estimate when the encoder fails.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if enc := codec(); enc != nil {
		ids, _, err := enc.Encode(text)
		if err == nil {
			return int64(len(ids))
		}
	}
	return countTokensFromString(text)
}

// TokenEstimator estimates prompt tokens of a messages payload.
type TokenEstimator struct {
	count func(string) int64
}

// NewTokenEstimator returns an estimator backed by EstimateTokens.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{count: EstimateTokens}
}

var traceTokenEstimator = NewTokenEstimator()

// estimateBodyTokens counts the prompt fields of chat payloads and falls back
// to the whole body for anything else.
func estimateBodyTokens(body []byte) int64 {
	if len(body) == 0 {
		return 0
	}
	if gjson.ValidBytes(body) {
		if n := traceTokenEstimator.EstimateTotalTokens(body); n > 0 {
			return n
		}
	}
	return EstimateTokens(string(body))
}

func isWesternChar(c rune) bool {
	switch {
	case c <= 0x024F: // ASCII, Latin-1, Latin Extended-A/B
		return true
	case c >= 0x1E00 && c <= 0x1EFF:
		return true
	case c >= 0x2C60 && c <= 0x2C7F:
		return true
	case c >= 0xA720 && c <= 0xA7FF:
		return true
	case c >= 0xAB30 && c <= 0xAB6F:
		return true
	}
	return false
}

// countCharUnits weighs Western characters 1, whitespace 0.25 and CJK and
// other scripts 4.5. Four units make a token.
func countCharUnits(s string) float64 {
	var units float64
	for _, c := range s {
		switch {
		case unicode.IsSpace(c):
			units += 0.25
		case isWesternChar(c):
			units += 1.0
		default:
			units += 4.5
		}
	}
	return units
}

// countTokensFromString is the character estimate. Short texts get a larger
// correction and the result is rounded up.
func countTokensFromString(s string) int64 {
	if s == "" {
		return 0
	}
	tokens := countCharUnits(s) / 4.0

	var corrected float64
	switch {
	case tokens < 100:
		corrected = tokens * 1.5
	case tokens < 200:
		corrected = tokens * 1.3
	case tokens < 300:
		corrected = tokens * 1.25
	case tokens < 800:
		corrected = tokens * 1.2
	default:
		corrected = tokens
	}
	result := int64(math.Ceil(corrected))
	if result < 1 {
		return 1
	}
	return result
}

// EstimateToolsTokens counts tool names, descriptions and schemas. OpenAI
// style {type:function, function:{...}} entries only count function.*.
func (e *TokenEstimator) EstimateToolsTokens(payload []byte) int64 {
	toolsRaw := gjson.GetBytes(payload, "tools")
	if !toolsRaw.IsArray() {
		toolsRaw = gjson.GetBytes(payload, "functions")
		if !toolsRaw.IsArray() {
			return 0
		}
	}

	var total int64
	toolsRaw.ForEach(func(_, tool gjson.Result) bool {
		if tool.Get("function").Exists() {
			total += e.countField(tool, "function.name", "function.description")
			total += e.countRaw(tool, "function.parameters")
			return true
		}
		total += e.countField(tool, "name", "description")
		total += e.countRaw(tool, "input_schema", "parameters")
		return true
	})
	return total
}

// EstimateMessagesTokens counts roles and text content of messages.
func (e *TokenEstimator) EstimateMessagesTokens(payload []byte) int64 {
	messagesRaw := gjson.GetBytes(payload, "messages")
	if !messagesRaw.IsArray() {
		return 0
	}
	var total int64
	messagesRaw.ForEach(func(_, msg gjson.Result) bool {
		total += e.countField(msg, "role")
		total += e.countContent(msg.Get("content"))
		return true
	})
	return total
}

// EstimateSystemTokens counts the system prompt, string or block array.
func (e *TokenEstimator) EstimateSystemTokens(payload []byte) int64 {
	return e.countContent(gjson.GetBytes(payload, "system"))
}

// EstimateTotalTokens sums system, messages and tools.
func (e *TokenEstimator) EstimateTotalTokens(payload []byte) int64 {
	return e.EstimateSystemTokens(payload) + e.EstimateMessagesTokens(payload) + e.EstimateToolsTokens(payload)
}

func (e *TokenEstimator) countContent(content gjson.Result) int64 {
	if content.Type == gjson.String {
		return e.count(content.String())
	}
	var total int64
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			total += e.countField(part, "text")
			return true
		})
	}
	return total
}

func (e *TokenEstimator) countField(node gjson.Result, paths ...string) int64 {
	var total int64
	for _, path := range paths {
		if v := node.Get(path).String(); v != "" {
			total += e.count(v)
		}
	}
	return total
}

func (e *TokenEstimator) countRaw(node gjson.Result, paths ...string) int64 {
	var total int64
	for _, path := range paths {
		if raw := node.Get(path).Raw; raw != "" {
			total += e.count(raw)
		}
	}
	return total
}
