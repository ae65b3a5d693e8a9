package errnorm

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"
	"google.golang.org/api/googleapi"

	"polychat/internal/providers"
)

const (
	MaxLength = 350
	Fallback  = "Internal server error"
)

// Normalize turns any provider failure into one bounded, single-line message.
func Normalize(err error) string {
	if err == nil {
		return Fallback
	}
	for _, c := range candidates(err) {
		if msg := format(c); msg != "" {
			return msg
		}
	}
	return Fallback
}

// candidates lists messages from the most to the least specific source.
func candidates(err error) []string {
	var out []string

	var upErr *providers.UpstreamError
	if errors.As(err, &upErr) {
		out = append(out, bodyMessage(upErr.Body))
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		out = append(out, bodyMessage(gErr.Body), gErr.Message)
	}

	var oErr *openai.Error
	if errors.As(err, &oErr) {
		out = append(out, oErr.Message)
	}

	return append(out, err.Error())
}

// bodyMessage pulls error.message, error (as a string) or message out of a JSON body.
func bodyMessage(body string) string {
	body = strings.TrimSpace(body)
	if body == "" || !gjson.Valid(body) {
		return body
	}
	for _, path := range []string{"error.message", "message"} {
		if r := gjson.Get(body, path); r.Type == gjson.String && strings.TrimSpace(r.String()) != "" {
			return r.String()
		}
	}
	if r := gjson.Get(body, "error"); r.Type == gjson.String {
		return r.String()
	}
	return ""
}

func format(s string) string {
	s = unwrapJSON(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return truncate(s, MaxLength)
}

// unwrapJSON prefers error.message when s is, or ends with, a JSON object.
func unwrapJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if idx := strings.IndexByte(trimmed, '{'); idx >= 0 {
		tail := trimmed[idx:]
		if gjson.Valid(tail) {
			if msg := gjson.Get(tail, "error.message"); msg.Type == gjson.String && strings.TrimSpace(msg.String()) != "" {
				return msg.String()
			}
		}
	}
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
