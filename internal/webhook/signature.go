package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailureReason enumerates why a webhook signature was rejected
type FailureReason string

const (
	FailureProviderNotRegistered   FailureReason = "PROVIDER_NOT_REGISTERED"
	FailureMissingSecret           FailureReason = "MISSING_SECRET"
	FailureMissingSignature        FailureReason = "MISSING_SIGNATURE"
	FailureMissingTimestamp        FailureReason = "MISSING_TIMESTAMP"
	FailureInvalidSignatureFormat  FailureReason = "INVALID_SIGNATURE_FORMAT"
	FailureSignatureMismatch       FailureReason = "SIGNATURE_MISMATCH"
	FailureTimestampOutOfTolerance FailureReason = "TIMESTAMP_OUT_OF_TOLERANCE"
	FailureInternalError           FailureReason = "INTERNAL_ERROR"
)

// VerifyResult is the structured outcome of signature verification
type VerifyResult struct {
	Valid    bool          `json:"valid"`
	Provider string        `json:"provider"`
	Reason   FailureReason `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// VerifyRequest carries the raw request material verification operates on.
// RawBody is the unmodified request body; signatures are never computed
// over re-serialized JSON.
type VerifyRequest struct {
	RawBody []byte
	Headers http.Header
	Host    string
	Path    string
	Now     time.Time
}

// header reads a header case-insensitively (http.Header canonicalizes).
func (r *VerifyRequest) header(name string) string {
	return r.Headers.Get(name)
}

// verifierFunc verifies one provider's scheme.
type verifierFunc func(req *VerifyRequest, secret string) *VerifyResult

// timestampTolerance is the shared replay window for providers that sign
// a timestamp.
const timestampTolerance = 300 * time.Second

// Verifier selects and applies a provider signature template.
type Verifier struct {
	providers map[string]verifierFunc
	// paypalPassthrough accepts PayPal deliveries without the vendor
	// verification call. Never enabled in production.
	paypalPassthrough bool
}

// NewVerifier constructs the verifier with the full provider table.
func NewVerifier(paypalPassthrough bool) *Verifier {
	v := &Verifier{paypalPassthrough: paypalPassthrough}
	v.providers = map[string]verifierFunc{
		"slack":        verifySlack,
		"stripe":       verifyStripe,
		"shopify":      hmacBodyVerifier("X-Shopify-Hmac-Sha256", sha256.New, encodeBase64, ""),
		"github":       verifyGitHub,
		"gitlab":       verifyGitLab,
		"bitbucket":    hmacBodyVerifier("X-Hub-Signature", sha256.New, encodeHex, "sha256="),
		"zendesk":      verifyZendesk,
		"intercom":     hmacBodyVerifier("X-Hub-Signature", sha1.New, encodeHex, "sha1="),
		"hubspot":      verifyHubSpot,
		"marketo":      hmacBodyVerifier("X-Marketo-Signature", sha1.New, encodeHex, ""),
		"iterable":     hmacBodyVerifier("X-Iterable-Signature", sha256.New, encodeHex, ""),
		"braze":        hmacBodyVerifier("X-Braze-Signature", sha256.New, encodeHex, ""),
		"docusign":     hmacBodyVerifier("X-DocuSign-Signature-1", sha256.New, encodeBase64, ""),
		"adobesign":    hmacBodyVerifier("X-AdobeSign-ClientId", sha256.New, encodeHex, ""),
		"hellosign":    hmacBodyVerifier("X-HelloSign-Signature", sha256.New, encodeHex, ""),
		"calendly":     hmacBodyVerifier("Calendly-Webhook-Signature", sha256.New, encodeHex, ""),
		"calcom":       hmacBodyVerifier("X-Cal-Signature-256", sha256.New, encodeHex, ""),
		"webex":        hmacBodyVerifier("X-Spark-Signature", sha1.New, encodeHex, ""),
		"square":       hmacBodyVerifier("X-Square-HmacSha256-Signature", sha256.New, encodeBase64, ""),
		"bigcommerce":  hmacBodyVerifier("X-Bc-Webhook-Signature", sha256.New, encodeBase64, ""),
		"surveymonkey": hmacBodyVerifier("Sm-Signature", sha1.New, encodeBase64, ""),
		"ringcentral":  verifyRingCentral,
		"paypal":       v.verifyPayPal,
		"generic":      hmacBodyVerifier("X-Webhook-Signature", sha256.New, encodeHex, ""),
	}
	return v
}

// Verify applies the provider's template. Unknown providers fall back to
// the generic HMAC-SHA256 verifier over the raw body.
func (v *Verifier) Verify(provider string, req *VerifyRequest, secret string) *VerifyResult {
	fn, ok := v.providers[strings.ToLower(provider)]
	if !ok {
		fn = v.providers["generic"]
		provider = "generic"
	}
	result := fn(req, secret)
	result.Provider = strings.ToLower(provider)
	return result
}

// Registered reports whether a provider has an explicit template.
func (v *Verifier) Registered(provider string) bool {
	_, ok := v.providers[strings.ToLower(provider)]
	return ok
}

// --- shared primitives ---

type encoding int

const (
	encodeHex encoding = iota
	encodeBase64
)

func computeHMAC(newHash func() hash.Hash, secret string, parts ...[]byte) []byte {
	mac := hmac.New(newHash, []byte(secret))
	for _, part := range parts {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

func encodeDigest(digest []byte, enc encoding) string {
	if enc == encodeBase64 {
		return base64.StdEncoding.EncodeToString(digest)
	}
	return hex.EncodeToString(digest)
}

// constantTimeEqual compares strings without leaking timing. Length is
// checked first; unequal lengths reject without byte comparison.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// hmacBodyVerifier builds the common rawBody-HMAC template.
func hmacBodyVerifier(header string, newHash func() hash.Hash, enc encoding, prefix string) verifierFunc {
	return func(req *VerifyRequest, secret string) *VerifyResult {
		if secret == "" {
			return &VerifyResult{Reason: FailureMissingSecret}
		}
		provided := req.header(header)
		if provided == "" {
			return &VerifyResult{Reason: FailureMissingSignature, Detail: header}
		}
		if prefix != "" {
			if !strings.HasPrefix(provided, prefix) {
				return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "expected prefix " + prefix}
			}
			provided = strings.TrimPrefix(provided, prefix)
		}
		expected := encodeDigest(computeHMAC(newHash, secret, req.RawBody), enc)
		if !constantTimeEqual(provided, expected) {
			return &VerifyResult{Reason: FailureSignatureMismatch}
		}
		return &VerifyResult{Valid: true}
	}
}

// --- provider-specific templates ---

// verifySlack checks v0=hex(hmac_sha256(secret, "v0:{ts}:{rawBody}")) with a
// 300 second timestamp tolerance.
func verifySlack(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	signature := req.header("X-Slack-Signature")
	if signature == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}
	ts := req.header("X-Slack-Request-Timestamp")
	if ts == "" {
		return &VerifyResult{Reason: FailureMissingTimestamp}
	}
	if result := checkTimestamp(ts, req.Now); result != nil {
		return result
	}
	if !strings.HasPrefix(signature, "v0=") {
		return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "expected v0= prefix"}
	}

	base := fmt.Sprintf("v0:%s:", ts)
	digest := computeHMAC(sha256.New, secret, []byte(base), req.RawBody)
	expected := "v0=" + hex.EncodeToString(digest)
	if !constantTimeEqual(signature, expected) {
		return &VerifyResult{Reason: FailureSignatureMismatch}
	}
	return &VerifyResult{Valid: true}
}

// verifyStripe checks the v1 entries of the Stripe-Signature header:
// hex(hmac_sha256(secret, "{ts}.{rawBody}")), tolerance 300s.
func verifyStripe(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	header := req.header("Stripe-Signature")
	if header == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts == "" {
		return &VerifyResult{Reason: FailureMissingTimestamp}
	}
	if len(candidates) == 0 {
		return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "no v1 entries"}
	}
	if result := checkTimestamp(ts, req.Now); result != nil {
		return result
	}

	digest := computeHMAC(sha256.New, secret, []byte(ts+"."), req.RawBody)
	expected := hex.EncodeToString(digest)
	for _, candidate := range candidates {
		if constantTimeEqual(candidate, expected) {
			return &VerifyResult{Valid: true}
		}
	}
	return &VerifyResult{Reason: FailureSignatureMismatch}
}

// verifyGitHub checks X-Hub-Signature-256 (sha256=hex), falling back to the
// legacy X-Hub-Signature (sha1=hex).
func verifyGitHub(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	if signature := req.header("X-Hub-Signature-256"); signature != "" {
		if !strings.HasPrefix(signature, "sha256=") {
			return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "expected sha256= prefix"}
		}
		expected := "sha256=" + hex.EncodeToString(computeHMAC(sha256.New, secret, req.RawBody))
		if !constantTimeEqual(signature, expected) {
			return &VerifyResult{Reason: FailureSignatureMismatch}
		}
		return &VerifyResult{Valid: true}
	}
	if signature := req.header("X-Hub-Signature"); signature != "" {
		if !strings.HasPrefix(signature, "sha1=") {
			return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "expected sha1= prefix"}
		}
		expected := "sha1=" + hex.EncodeToString(computeHMAC(sha1.New, secret, req.RawBody))
		if !constantTimeEqual(signature, expected) {
			return &VerifyResult{Reason: FailureSignatureMismatch}
		}
		return &VerifyResult{Valid: true}
	}
	return &VerifyResult{Reason: FailureMissingSignature}
}

// verifyGitLab compares the shared token in X-Gitlab-Token.
func verifyGitLab(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	token := req.header("X-Gitlab-Token")
	if token == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}
	if !constantTimeEqual(token, secret) {
		return &VerifyResult{Reason: FailureSignatureMismatch}
	}
	return &VerifyResult{Valid: true}
}

// verifyZendesk checks base64(sha256("{rawBody}{secret}{ts}")). Plain hash,
// not HMAC, per the vendor scheme.
func verifyZendesk(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	signature := req.header("X-Zendesk-Webhook-Signature")
	if signature == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}
	ts := req.header("X-Zendesk-Webhook-Signature-Timestamp")
	if ts == "" {
		return &VerifyResult{Reason: FailureMissingTimestamp}
	}

	digest := sha256.Sum256(append(append(append([]byte{}, req.RawBody...), []byte(secret)...), []byte(ts)...))
	expected := base64.StdEncoding.EncodeToString(digest[:])
	if !constantTimeEqual(signature, expected) {
		return &VerifyResult{Reason: FailureSignatureMismatch}
	}
	return &VerifyResult{Valid: true}
}

// verifyHubSpot checks hex(hmac_sha256(secret, "POST{host}{path}{rawBody}{ts}"))
// with a 300 second tolerance on the request timestamp header.
func verifyHubSpot(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	signature := req.header("X-HubSpot-Signature")
	if signature == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}
	ts := req.header("X-HubSpot-Request-Timestamp")
	if ts == "" {
		return &VerifyResult{Reason: FailureMissingTimestamp}
	}
	// HubSpot timestamps are milliseconds.
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "non-numeric timestamp"}
	}
	delta := req.Now.Sub(time.UnixMilli(millis))
	if delta < -timestampTolerance || delta > timestampTolerance {
		return &VerifyResult{Reason: FailureTimestampOutOfTolerance}
	}

	base := "POST" + req.Host + req.Path
	digest := computeHMAC(sha256.New, secret, []byte(base), req.RawBody, []byte(ts))
	expected := hex.EncodeToString(digest)
	if !constantTimeEqual(signature, expected) {
		return &VerifyResult{Reason: FailureSignatureMismatch}
	}
	return &VerifyResult{Valid: true}
}

// verifyRingCentral compares the validation/verification token headers.
func verifyRingCentral(req *VerifyRequest, secret string) *VerifyResult {
	if secret == "" {
		return &VerifyResult{Reason: FailureMissingSecret}
	}
	token := req.header("Validation-Token")
	if token == "" {
		token = req.header("Verification-Token")
	}
	if token == "" {
		return &VerifyResult{Reason: FailureMissingSignature}
	}
	if !constantTimeEqual(token, secret) {
		return &VerifyResult{Reason: FailureSignatureMismatch}
	}
	return &VerifyResult{Valid: true}
}

// verifyPayPal requires the vendor-side verification call; until that call
// is wired, deliveries are refused unless passthrough is explicitly enabled
// for non-production use.
func (v *Verifier) verifyPayPal(req *VerifyRequest, secret string) *VerifyResult {
	if v.paypalPassthrough {
		return &VerifyResult{Valid: true, Detail: "passthrough (verification call not performed)"}
	}
	return &VerifyResult{Reason: FailureProviderNotRegistered, Detail: "paypal verification call not configured"}
}

func checkTimestamp(ts string, now time.Time) *VerifyResult {
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &VerifyResult{Reason: FailureInvalidSignatureFormat, Detail: "non-numeric timestamp"}
	}
	delta := now.Sub(time.Unix(seconds, 0))
	if delta < -timestampTolerance || delta > timestampTolerance {
		return &VerifyResult{Reason: FailureTimestampOutOfTolerance}
	}
	return nil
}
