package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slackSignature(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlack(t *testing.T) {
	secret := "slack-secret"
	body := []byte(`{"challenge":"abc"}`)
	ts := "1700000000"
	verifier := NewVerifier(false)

	makeRequest := func(now int64, signature string) *VerifyRequest {
		headers := http.Header{}
		headers.Set("X-Slack-Request-Timestamp", ts)
		headers.Set("X-Slack-Signature", signature)
		return &VerifyRequest{RawBody: body, Headers: headers, Now: time.Unix(now, 0)}
	}

	t.Run("valid within tolerance", func(t *testing.T) {
		result := verifier.Verify("slack", makeRequest(1700000100, slackSignature(secret, ts, body)), secret)
		assert.True(t, result.Valid, "reason: %s", result.Reason)
	})

	t.Run("timestamp out of tolerance", func(t *testing.T) {
		result := verifier.Verify("slack", makeRequest(1700001000, slackSignature(secret, ts, body)), secret)
		assert.False(t, result.Valid)
		assert.Equal(t, FailureTimestampOutOfTolerance, result.Reason)
	})

	t.Run("signature mismatch", func(t *testing.T) {
		result := verifier.Verify("slack", makeRequest(1700000100, slackSignature("wrong-secret", ts, body)), secret)
		assert.False(t, result.Valid)
		assert.Equal(t, FailureSignatureMismatch, result.Reason)
	})

	t.Run("length mismatch rejects", func(t *testing.T) {
		result := verifier.Verify("slack", makeRequest(1700000100, "v0=deadbeef"), secret)
		assert.False(t, result.Valid)
		assert.Equal(t, FailureSignatureMismatch, result.Reason)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Slack-Signature", "v0=abc")
		result := verifier.Verify("slack", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Unix(1700000100, 0)}, secret)
		assert.Equal(t, FailureMissingTimestamp, result.Reason)
	})

	t.Run("missing secret", func(t *testing.T) {
		result := verifier.Verify("slack", makeRequest(1700000100, slackSignature(secret, ts, body)), "")
		assert.Equal(t, FailureMissingSecret, result.Reason)
	})
}

func TestVerifyStripe(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	verifier := NewVerifier(false)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	v1 := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, v1))
	result := verifier.Verify("stripe", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
	assert.True(t, result.Valid, "reason: %s", result.Reason)

	// Stale timestamp outside the 300s window.
	stale := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	mac = hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stale + "."))
	mac.Write(body)
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", stale, hex.EncodeToString(mac.Sum(nil))))
	result = verifier.Verify("stripe", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
	assert.Equal(t, FailureTimestampOutOfTolerance, result.Reason)
}

func TestVerifyGitHub(t *testing.T) {
	secret := "gh-secret"
	body := []byte(`{"action":"opened"}`)
	verifier := NewVerifier(false)

	t.Run("sha256 header", func(t *testing.T) {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		result := verifier.Verify("github", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
		assert.True(t, result.Valid)
	})

	t.Run("sha1 fallback", func(t *testing.T) {
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(body)
		headers := http.Header{}
		headers.Set("X-Hub-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
		result := verifier.Verify("github", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
		assert.True(t, result.Valid)
	})

	t.Run("bad prefix", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-Hub-Signature-256", "md5=abc")
		result := verifier.Verify("github", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
		assert.Equal(t, FailureInvalidSignatureFormat, result.Reason)
	})
}

func TestVerifyShopify(t *testing.T) {
	secret := "shop-secret"
	body := []byte(`{"order_id":42}`)
	verifier := NewVerifier(false)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	headers := http.Header{}
	headers.Set("X-Shopify-Hmac-Sha256", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	result := verifier.Verify("shopify", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
	assert.True(t, result.Valid)
}

func TestVerifyGitLab(t *testing.T) {
	verifier := NewVerifier(false)
	headers := http.Header{}
	headers.Set("X-Gitlab-Token", "shared-token")

	result := verifier.Verify("gitlab", &VerifyRequest{RawBody: []byte("{}"), Headers: headers, Now: time.Now()}, "shared-token")
	assert.True(t, result.Valid)

	result = verifier.Verify("gitlab", &VerifyRequest{RawBody: []byte("{}"), Headers: headers, Now: time.Now()}, "other-token")
	assert.Equal(t, FailureSignatureMismatch, result.Reason)
}

func TestVerifyZendesk(t *testing.T) {
	secret := "zd-secret"
	body := []byte(`{"ticket":7}`)
	ts := "1700000000"
	verifier := NewVerifier(false)

	payload := append(append(append([]byte{}, body...), []byte(secret)...), []byte(ts)...)
	digest := sha256.Sum256(payload)

	headers := http.Header{}
	headers.Set("X-Zendesk-Webhook-Signature", base64.StdEncoding.EncodeToString(digest[:]))
	headers.Set("X-Zendesk-Webhook-Signature-Timestamp", ts)
	result := verifier.Verify("zendesk", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
	assert.True(t, result.Valid)
}

func TestVerifyHubSpot(t *testing.T) {
	secret := "hs-secret"
	body := []byte(`{"subscriptionType":"contact.creation"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.UnixMilli())
	verifier := NewVerifier(false)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("POST" + "api.example.com" + "/api/webhooks/wh-1"))
	mac.Write(body)
	mac.Write([]byte(ts))

	headers := http.Header{}
	headers.Set("X-HubSpot-Signature", hex.EncodeToString(mac.Sum(nil)))
	headers.Set("X-HubSpot-Request-Timestamp", ts)
	result := verifier.Verify("hubspot", &VerifyRequest{
		RawBody: body,
		Headers: headers,
		Host:    "api.example.com",
		Path:    "/api/webhooks/wh-1",
		Now:     now,
	}, secret)
	assert.True(t, result.Valid, "reason: %s %s", result.Reason, result.Detail)
}

func TestVerifyUnknownProviderFallsBackToGeneric(t *testing.T) {
	secret := "generic-secret"
	body := []byte(`{"hello":"world"}`)
	verifier := NewVerifier(false)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	headers := http.Header{}
	headers.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))

	result := verifier.Verify("somenewvendor", &VerifyRequest{RawBody: body, Headers: headers, Now: time.Now()}, secret)
	require.True(t, result.Valid)
	assert.Equal(t, "generic", result.Provider)
}

func TestVerifyPayPal(t *testing.T) {
	body := []byte(`{}`)

	t.Run("refused without passthrough", func(t *testing.T) {
		verifier := NewVerifier(false)
		result := verifier.Verify("paypal", &VerifyRequest{RawBody: body, Headers: http.Header{}, Now: time.Now()}, "secret")
		assert.False(t, result.Valid)
		assert.Equal(t, FailureProviderNotRegistered, result.Reason)
	})

	t.Run("passthrough accepts", func(t *testing.T) {
		verifier := NewVerifier(true)
		result := verifier.Verify("paypal", &VerifyRequest{RawBody: body, Headers: http.Header{}, Now: time.Now()}, "secret")
		assert.True(t, result.Valid)
	})
}

func TestVerifyRingCentral(t *testing.T) {
	verifier := NewVerifier(false)
	headers := http.Header{}
	headers.Set("Validation-Token", "vt-123")
	result := verifier.Verify("ringcentral", &VerifyRequest{RawBody: nil, Headers: headers, Now: time.Now()}, "vt-123")
	assert.True(t, result.Valid)
}
