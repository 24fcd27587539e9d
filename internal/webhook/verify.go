// Package webhook receives Tracker and SCM deliveries, verifies their
// signatures against per-project secrets, and hands verified payloads to a
// bounded dispatcher so the HTTP handler can acknowledge immediately.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/basket/taskbridge/internal/audit"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/scm"
)

// VerifyOutcome classifies a Tracker delivery after verification.
type VerifyOutcome int

const (
	// OutcomeUnauthorized means the signature was absent, malformed, or did
	// not match. The caller must answer 401 with no further detail.
	OutcomeUnauthorized VerifyOutcome = iota
	// OutcomeHandshake means the delivery carried a handshake header whose
	// secret was persisted; the caller must echo the header back.
	OutcomeHandshake
	// OutcomeEvent means the signature verified and the body is trustworthy.
	OutcomeEvent
)

const trackerHandshakeHeader = "X-Hook-Secret"
const trackerSignatureHeader = "X-Hook-Signature"

// Verifier checks inbound deliveries against per-project webhook secrets.
type Verifier struct {
	store *persistence.Store
}

func NewVerifier(store *persistence.Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyTracker classifies a Tracker delivery. A handshake request carries the
// shared secret in a header; the secret is stored for the project and echoed
// back. Every later delivery must carry an HMAC-SHA256 of the raw body keyed
// with that secret. Verification failures are audited but the HTTP answer
// stays a bare 401.
func (v *Verifier) VerifyTracker(ctx context.Context, projectID string, header http.Header, body []byte) (VerifyOutcome, string, error) {
	if secret := header.Get(trackerHandshakeHeader); secret != "" {
		if err := v.store.SetTrackerWebhookSecret(ctx, projectID, secret); err != nil {
			return OutcomeUnauthorized, "", fmt.Errorf("persist handshake secret: %w", err)
		}
		audit.Record("allow", "webhook.tracker.handshake", "secret_stored", projectID)
		return OutcomeHandshake, secret, nil
	}

	project, err := v.store.GetProject(ctx, projectID)
	if err != nil {
		audit.Record("deny", "webhook.tracker.verify", "unknown_project", projectID)
		return OutcomeUnauthorized, "", nil
	}
	if project.TrackerWebhookSecret == "" {
		audit.Record("deny", "webhook.tracker.verify", "no_handshake_secret", projectID)
		return OutcomeUnauthorized, "", nil
	}

	sig := header.Get(trackerSignatureHeader)
	if sig == "" || !validTrackerSignature(sig, body, project.TrackerWebhookSecret) {
		audit.Record("deny", "webhook.tracker.verify", "signature_mismatch", projectID)
		return OutcomeUnauthorized, "", nil
	}
	return OutcomeEvent, "", nil
}

func validTrackerSignature(sig string, body []byte, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

// VerifySCM validates an SCM delivery signature ("sha256=<hex>" over the raw
// body) against the project's configured secret.
func (v *Verifier) VerifySCM(ctx context.Context, projectID, signature string, body []byte) (bool, error) {
	project, err := v.store.GetProject(ctx, projectID)
	if err != nil {
		audit.Record("deny", "webhook.scm.verify", "unknown_project", projectID)
		return false, nil
	}
	if project.SCMWebhookSecret == "" {
		audit.Record("deny", "webhook.scm.verify", "no_secret_configured", projectID)
		return false, nil
	}
	if err := scm.ValidateSignature(signature, body, []byte(project.SCMWebhookSecret)); err != nil {
		audit.Record("deny", "webhook.scm.verify", "signature_mismatch", projectID)
		return false, nil
	}
	return true, nil
}
