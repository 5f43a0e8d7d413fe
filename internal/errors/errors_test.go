package appErrors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", NewValidation("payload", "empty"), false},
		{"channel unavailable", NewChannelUnavailable(3, "not logged in"), false},
		{"wrapped channel unavailable", fmt.Errorf("send: %w", NewChannelUnavailable(3, "x")), false},
		{"provider 400", &ProviderError{StatusCode: 400}, false},
		{"provider 429", &ProviderError{StatusCode: 429}, true},
		{"provider 503", &ProviderError{StatusCode: 503}, true},
		{"timeout", NewTransport("send text", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCampaignNotFound(t *testing.T) {
	err := NewCampaignNotFound(7)
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %T", err)
	}
	if err.Error() != "campaign with ID 7 not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
