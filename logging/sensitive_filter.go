package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder is the string used to replace sensitive data
const RedactedPlaceholder = "[REDACTED]"

// sensitivePatterns match credentials that can show up inside log messages,
// error strings and URLs.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(AIza[a-zA-Z0-9_-]{35})`),                               // Google API keys (Gemini, Custom Search)
	regexp.MustCompile(`(xai-[a-zA-Z0-9]{20,})`),                                // xAI API keys
	regexp.MustCompile(`(sk-[a-zA-Z0-9_-]{20,})`),                               // OpenAI-style keys
	regexp.MustCompile(`([MN][a-zA-Z0-9_-]{23,25}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,38})`), // Discord bot tokens
	regexp.MustCompile(`(?i)(bot\s+[a-zA-Z0-9._-]{50,})`),                       // Discord Authorization header
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),                    // Bearer tokens
	regexp.MustCompile(`(?i)([?&]key=[^&\s]{8,})`),                              // key= query parameters
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(secret\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;]{8,})`),
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;]{8,})`),
}

// sensitiveFieldNames are substrings of field names whose values are always redacted.
var sensitiveFieldNames = []string{
	"DISCORD_BOT_TOKEN",
	"GEMINI_API_KEY",
	"XAI_API_KEY",
	"GOOGLE_SEARCH_API_KEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"API_KEY",
	"APIKEY",
}

// RedactSensitiveData scans a string value and redacts any detected credentials.
//
// Example:
//
//	RedactSensitiveData("GET /customsearch/v1?key=AIzaSy...&q=cat")
//	// "GET /customsearch/v1[REDACTED]&q=cat"
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}

	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// RedactField redacts a field value if the field name indicates sensitive data,
// otherwise it scans the value itself.
func RedactField(fieldName, fieldValue string) string {
	if IsSensitiveField(fieldName) {
		return RedactedPlaceholder
	}
	return RedactSensitiveData(fieldValue)
}

// IsSensitiveField returns true if the field name indicates sensitive data.
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upperName, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData returns true if the value matches any credential pattern.
func ContainsSensitiveData(value string) bool {
	if value == "" {
		return false
	}
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}
