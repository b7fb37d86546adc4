package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPConfig_ClientIP(t *testing.T) {
	tests := []struct {
		name          string
		config        ClientIPConfig
		remoteAddr    string
		xForwardedFor []string
		xRealIP       string
		want          string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:       "IPv6 remote address",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "IPv4-mapped remote address",
			remoteAddr: "[::ffff:192.0.2.7]:443",
			want:       "192.0.2.7",
		},
		{
			name:       "remote address without port",
			remoteAddr: "pipe",
			want:       "pipe",
		},
		{
			name:          "forwarded headers ignored without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"203.0.113.1, 10.0.0.2"},
			xRealIP:       "203.0.113.9",
			want:          "10.0.0.1",
		},
		{
			name:          "X-Forwarded-For with one trusted proxy",
			config:        ClientIPConfig{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"203.0.113.1, 10.0.0.2"},
			want:          "203.0.113.1",
		},
		{
			name:          "spoofed leftmost entry is skipped",
			config:        ClientIPConfig{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"6.6.6.6, 203.0.113.1, 10.0.0.2"},
			want:          "203.0.113.1",
		},
		{
			name:          "two trusted proxies",
			config:        ClientIPConfig{TrustProxy: true, TrustedProxyCount: 2},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"203.0.113.1, 10.0.0.2, 10.0.0.3"},
			want:          "203.0.113.1",
		},
		{
			name:          "repeated header lines are joined",
			config:        ClientIPConfig{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"203.0.113.1", "10.0.0.2"},
			want:          "203.0.113.1",
		},
		{
			name:          "more trusted proxies than entries",
			config:        ClientIPConfig{TrustProxy: true, TrustedProxyCount: 5},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"203.0.113.1"},
			want:          "203.0.113.1",
		},
		{
			name:          "invalid X-Forwarded-For falls back to X-Real-IP",
			config:        ClientIPConfig{TrustProxy: true},
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: []string{"not-an-ip"},
			xRealIP:       "203.0.113.5",
			want:          "203.0.113.5",
		},
		{
			name:       "invalid X-Real-IP falls back to remote address",
			config:     ClientIPConfig{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.5\r\nX-Evil: 1",
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xForwardedFor {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := tt.config.ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPConfig_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("X-Real-IP", "203.0.113.2")

	if got := (ClientIPConfig{TrustProxy: true}).ClientIP(req); got != "203.0.113.1" {
		t.Errorf("ClientIP() = %q, want the X-Forwarded-For address", got)
	}
}
