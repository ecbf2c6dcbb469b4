package session

import (
	"testing"
	"time"
)

func TestDeviceTypeFromUserAgent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ua   string
		want DeviceType
	}{
		{"", DeviceUnknown},
		{"Parley-Bot/1.0", DeviceBot},
		{"Mozilla/5.0 (iPad; CPU OS 17_0)", DeviceTablet},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148", DeviceMobile},
		{"Mozilla/5.0 (Linux; Android 14) Mobile Safari", DeviceMobile},
		{"Mozilla/5.0 parley/1.2.3 Chrome/120 Electron/28.0", DeviceDesktop},
		{"Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0", DeviceBrowser},
		{"curl/8.4.0", DeviceUnknown},
	}
	for _, tt := range tests {
		if got := DeviceTypeFromUserAgent(tt.ua); got != tt.want {
			t.Errorf("DeviceTypeFromUserAgent(%q) = %q, want %q", tt.ua, got, tt.want)
		}
	}
}

func TestActive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	revoked := now.Add(-time.Minute)

	tests := []struct {
		name string
		s    Session
		want bool
	}{
		{"live", Session{ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", Session{ExpiresAt: now.Add(-time.Second)}, false},
		{"revoked", Session{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked}, false},
		{"revoked and expired", Session{ExpiresAt: now.Add(-time.Hour), RevokedAt: &revoked}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.s.Active(now); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}
