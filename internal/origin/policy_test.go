package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNewPolicy(t *testing.T) {
	p, rejected := NewPolicy([]string{" HTTPS://App.Example.com:443 ", "*", "", "ftp://x", "null"})
	want := []string{"https://app.example.com", "*", "null"}
	if len(p.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins=%v, want %v", p.AllowedOrigins, want)
	}
	for i := range want {
		if p.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d]=%q, want %q", i, p.AllowedOrigins[i], want[i])
		}
	}
	if len(rejected) != 1 || rejected[0] != "ftp://x" {
		t.Fatalf("rejected=%v", rejected)
	}
	if !p.AllowsAny() {
		t.Fatalf("expected wildcard policy")
	}
}

func TestPolicyCheck(t *testing.T) {
	p, _ := NewPolicy([]string{"https://app.example.com"})

	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{name: "no origin header", origin: "", host: "signal.example.com", want: true},
		{name: "listed origin", origin: "https://app.example.com", host: "signal.example.com", want: true},
		{name: "default port equivalent", origin: "https://APP.example.com:443", host: "signal.example.com", want: true},
		{name: "unlisted origin", origin: "https://evil.example.com", host: "signal.example.com", want: false},
		{name: "malformed origin", origin: "https://app.example.com/path", host: "signal.example.com", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://"+tc.host+"/mesh/signal", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if _, got := p.Check(r); got != tc.want {
				t.Fatalf("Check=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestPolicyCheck_SameHostDefault(t *testing.T) {
	var p Policy
	r := httptest.NewRequest("GET", "http://signal.example.com:8080/mesh/signal", nil)
	r.Header.Set("Origin", "http://signal.example.com:8080")
	normalized, ok := p.Check(r)
	if !ok || normalized != "http://signal.example.com:8080" {
		t.Fatalf("Check=(%q, %v)", normalized, ok)
	}

	r.Header.Set("Origin", "http://other.example.com:8080")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected cross-host origin to be rejected")
	}
}
