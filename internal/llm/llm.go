package llm

import (
	"context"
	"strings"
)

// Request is one text generation call
type Request struct {
	System      string
	Prompt      string
	JSON        bool     // Ask for an application/json response
	Temperature *float32 // nil keeps the model default
}

// Temperature returns a sampling temperature for Request.Temperature
func Temperature(t float32) *float32 {
	return &t
}

// Model abstracts a generative text model for testability
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// StripCodeFences removes a surrounding ``` or ```json fence that models
// sometimes wrap around JSON output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[\"") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
