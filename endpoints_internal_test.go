package ccrelay

import "testing"

func TestEndpointRoster_EndpointForAppliesCorrectSuffix(t *testing.T) {
	r := NewEndpointRoster("https://cloudcode.example/v1internal")

	if got := r.endpointFor(0, false); got != "https://cloudcode.example/v1internal:generateContent" {
		t.Fatalf("non-streaming: got %q", got)
	}
	if got := r.endpointFor(0, true); got != "https://cloudcode.example/v1internal:streamGenerateContent?alt=sse" {
		t.Fatalf("streaming: got %q", got)
	}
}
