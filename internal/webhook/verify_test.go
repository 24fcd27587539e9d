package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/webhook"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbridge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedProject(t *testing.T, store *persistence.Store, id, trackerSecret, scmSecret string) {
	t.Helper()
	err := store.UpsertProject(context.Background(), persistence.Project{
		ID:                   id,
		Name:                 "Test",
		TrackerProjectID:     "tp-" + id,
		TrackerWebhookSecret: trackerSecret,
		SCMWebhookSecret:     scmSecret,
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func signTracker(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signSCM(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyTracker_HandshakePersistsSecret(t *testing.T) {
	store := openTestStore(t)
	seedProject(t, store, "p1", "", "")
	v := webhook.NewVerifier(store)

	header := http.Header{}
	header.Set("X-Hook-Secret", "shared-secret")

	outcome, secret, err := v.VerifyTracker(context.Background(), "p1", header, nil)
	if err != nil {
		t.Fatalf("verify handshake: %v", err)
	}
	if outcome != webhook.OutcomeHandshake {
		t.Fatalf("expected handshake outcome, got %v", outcome)
	}
	if secret != "shared-secret" {
		t.Fatalf("expected secret echoed, got %q", secret)
	}

	p, err := store.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.TrackerWebhookSecret != "shared-secret" {
		t.Fatalf("expected secret persisted, got %q", p.TrackerWebhookSecret)
	}
}

func TestVerifyTracker_SignatureOutcomes(t *testing.T) {
	store := openTestStore(t)
	seedProject(t, store, "p1", "shared-secret", "")
	v := webhook.NewVerifier(store)
	body := []byte(`{"events":[]}`)

	tests := []struct {
		name      string
		projectID string
		signature string
		want      webhook.VerifyOutcome
	}{
		{"valid signature", "p1", signTracker(body, "shared-secret"), webhook.OutcomeEvent},
		{"wrong secret", "p1", signTracker(body, "other"), webhook.OutcomeUnauthorized},
		{"missing signature", "p1", "", webhook.OutcomeUnauthorized},
		{"unknown project", "nope", signTracker(body, "shared-secret"), webhook.OutcomeUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.signature != "" {
				header.Set("X-Hook-Signature", tc.signature)
			}
			outcome, _, err := v.VerifyTracker(context.Background(), tc.projectID, header, body)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("expected outcome %v, got %v", tc.want, outcome)
			}
		})
	}
}

func TestVerifyTracker_NoHandshakeYetDenies(t *testing.T) {
	store := openTestStore(t)
	seedProject(t, store, "p1", "", "")
	v := webhook.NewVerifier(store)

	body := []byte(`{}`)
	header := http.Header{}
	header.Set("X-Hook-Signature", signTracker(body, "anything"))

	outcome, _, err := v.VerifyTracker(context.Background(), "p1", header, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if outcome != webhook.OutcomeUnauthorized {
		t.Fatalf("expected unauthorized before handshake, got %v", outcome)
	}
}

func TestVerifySCM(t *testing.T) {
	store := openTestStore(t)
	seedProject(t, store, "p1", "", "scm-secret")
	v := webhook.NewVerifier(store)
	body := []byte(`{"action":"opened"}`)

	ok, err := v.VerifySCM(context.Background(), "p1", signSCM(body, "scm-secret"), body)
	if err != nil {
		t.Fatalf("verify valid: %v", err)
	}
	if !ok {
		t.Fatal("expected valid signature to pass")
	}

	ok, err = v.VerifySCM(context.Background(), "p1", signSCM(body, "wrong"), body)
	if err != nil {
		t.Fatalf("verify invalid: %v", err)
	}
	if ok {
		t.Fatal("expected invalid signature to fail")
	}

	ok, err = v.VerifySCM(context.Background(), "p1", "", body)
	if err != nil {
		t.Fatalf("verify missing: %v", err)
	}
	if ok {
		t.Fatal("expected missing signature to fail")
	}
}
