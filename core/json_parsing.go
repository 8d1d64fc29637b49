package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// JSON parsing errors
var (
	// ErrNoJSONFound is returned when no JSON object is found in the text.
	ErrNoJSONFound = errors.New("no JSON object found in text")
	// ErrInvalidJSON is returned when JSON parsing fails.
	ErrInvalidJSON = errors.New("invalid JSON")
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes <think>...</think> blocks emitted by reasoning models.
// An unterminated block drops everything after its opening tag.
func StripThinking(text string) string {
	text = thinkBlock.ReplaceAllString(text, "")
	if i := strings.Index(text, "<think>"); i != -1 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// ExtractJSONFromText extracts the first balanced JSON object from text,
// skipping braces inside string literals.
//
// Example:
//
//	json, err := core.ExtractJSONFromText("Sure! {\"prompt\": \"a cat\"} Enjoy.")
//	// json == `{"prompt": "a cat"}`
func ExtractJSONFromText(text string) (string, error) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", ErrNoJSONFound
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSONFound
}

// DecodeJSONObject strips thinking blocks, extracts the first JSON object of
// text and decodes it into dest.
func DecodeJSONObject(text string, dest any) error {
	jsonStr, err := ExtractJSONFromText(StripThinking(text))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}
