package utils

import (
	"net/http"
	"testing"
)

func TestHttpResError(t *testing.T) {
	status, res := HttpResError("Unauthorized: missing access token", http.StatusUnauthorized)
	if status != http.StatusUnauthorized || res.StatusCode != http.StatusUnauthorized {
		t.Errorf("unexpected status %d / %d", status, res.StatusCode)
	}
	if res.Message != "Unauthorized: missing access token" {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestRealIPExtractor(t *testing.T) {
	tests := []struct {
		name          string
		forwardedFor  string
		remoteAddr    string
		trustedRanges []string
		want          string
	}{
		{
			name:          "browser behind trusted load balancer",
			forwardedFor:  "203.0.113.7",
			remoteAddr:    "10.0.3.15:41234",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "203.0.113.7",
		},
		{
			name:          "direct connection",
			remoteAddr:    "198.51.100.20:5555",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "198.51.100.20",
		},
		{
			name:          "spoofed header from untrusted peer",
			forwardedFor:  "1.2.3.4",
			remoteAddr:    "198.51.100.20:5555",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "198.51.100.20",
		},
		{
			name:          "cdn and load balancer chain",
			forwardedFor:  "203.0.113.7, 172.16.4.4",
			remoteAddr:    "10.0.3.15:41234",
			trustedRanges: []string{"10.0.0.0/8", "172.16.0.0/12"},
			want:          "203.0.113.7",
		},
		{
			name:          "ipv6 peer",
			remoteAddr:    "[2001:db8::1]:443",
			trustedRanges: []string{"10.0.0.0/8"},
			want:          "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			extractor, err := NewRealIPExtractor(tt.trustedRanges)
			if err != nil {
				t.Fatalf("failed to create extractor: %v", err)
			}
			req := &http.Request{Header: make(http.Header), RemoteAddr: tt.remoteAddr}
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if got := extractor.Extract(req); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}
