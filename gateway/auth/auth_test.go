package auth

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

var testAddress = func() [20]byte {
	var a [20]byte
	a[0] = 0xAB
	return a
}()

func newTestAuthenticator(now time.Time) *Authenticator {
	return NewAuthenticator(map[string]Credential{
		"test-key": {Secret: "test-secret", Address: testAddress},
	}, time.Minute, 5*time.Minute, 16, func() time.Time { return now })
}

func TestAuthenticateAcceptsSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{"escrow_id":1}`)
	req := httptest.NewRequest("POST", "/v1/escrows/1/deposit", bytes.NewReader(body))
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature("test-secret", ts, "nonce-1", "POST", "/v1/escrows/1/deposit", body)
	req.Header.Set(HeaderAPIKey, "test-key")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "test-key" || principal.Address != testAddress {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	build := func(mutate func(h map[string]string)) map[string]string {
		sig := ComputeSignature("test-secret", ts, "nonce-1", "POST", "/v1/escrows", body)
		headers := map[string]string{
			HeaderAPIKey:    "test-key",
			HeaderTimestamp: ts,
			HeaderNonce:     "nonce-1",
			HeaderSignature: hex.EncodeToString(sig),
		}
		if mutate != nil {
			mutate(headers)
		}
		return headers
	}

	cases := []struct {
		name   string
		mutate func(map[string]string)
	}{
		{"unknown key", func(h map[string]string) { h[HeaderAPIKey] = "other" }},
		{"missing timestamp", func(h map[string]string) { delete(h, HeaderTimestamp) }},
		{"stale timestamp", func(h map[string]string) {
			h[HeaderTimestamp] = strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
		}},
		{"missing nonce", func(h map[string]string) { delete(h, HeaderNonce) }},
		{"tampered signature", func(h map[string]string) { h[HeaderSignature] = "deadbeef" }},
	}
	for _, tc := range cases {
		a := newTestAuthenticator(now)
		req := httptest.NewRequest("POST", "/v1/escrows", bytes.NewReader(body))
		for k, v := range build(tc.mutate) {
			req.Header.Set(k, v)
		}
		if _, err := a.Authenticate(req, body); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ComputeSignature("test-secret", ts, "nonce-1", "POST", "/v1/escrows", body))

	for attempt := 0; attempt < 2; attempt++ {
		req := httptest.NewRequest("POST", "/v1/escrows", bytes.NewReader(body))
		req.Header.Set(HeaderAPIKey, "test-key")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "nonce-1")
		req.Header.Set(HeaderSignature, sig)
		_, err := a.Authenticate(req, body)
		if attempt == 0 && err != nil {
			t.Fatalf("first use: %v", err)
		}
		if attempt == 1 && err == nil {
			t.Fatalf("replayed nonce must be rejected")
		}
	}
}

func TestCanonicalQueryOrdersParameters(t *testing.T) {
	got := CanonicalQuery("b=2&a=1&c=3")
	if got != "a=1&b=2&c=3" {
		t.Fatalf("canonical query = %q", got)
	}
	req := httptest.NewRequest("GET", fmt.Sprintf("/v1/escrows?%s", "participant=esc1xyz&cursor=5"), nil)
	if CanonicalRequestPath(req) != "/v1/escrows?cursor=5&participant=esc1xyz" {
		t.Fatalf("canonical path = %q", CanonicalRequestPath(req))
	}
}
