package core

import (
	"errors"
	"testing"
)

func TestExtractJSONFromText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"plain", `{"a":1}`, `{"a":1}`, nil},
		{"surrounded", `Sure! {"a":1} Enjoy.`, `{"a":1}`, nil},
		{"nested", `x {"a":{"b":2}} y {"c":3}`, `{"a":{"b":2}}`, nil},
		{"brace in string", `{"p":"a } b"}`, `{"p":"a } b"}`, nil},
		{"escaped quote", `{"p":"say \"}\""}`, `{"p":"say \"}\""}`, nil},
		{"none", `no json here`, "", ErrNoJSONFound},
		{"unterminated", `{"a":1`, "", ErrNoJSONFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONFromText(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStripThinking(t *testing.T) {
	if got := StripThinking("<think>{x}</think> answer"); got != "answer" {
		t.Errorf("unexpected %q", got)
	}
	if got := StripThinking("answer <think>never closed {"); got != "answer" {
		t.Errorf("unexpected %q", got)
	}
}

func TestDecodeJSONObject(t *testing.T) {
	var v struct {
		Prompt string `json:"prompt"`
	}
	if err := DecodeJSONObject(`<think>{}</think>{"prompt":"cat"}`, &v); err != nil {
		t.Fatalf("DecodeJSONObject: %v", err)
	}
	if v.Prompt != "cat" {
		t.Errorf("expected cat, got %q", v.Prompt)
	}
	if err := DecodeJSONObject(`{"prompt": 5}`, &v); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}
