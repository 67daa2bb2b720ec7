package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

func testAdapter() *Adapter {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendCloudAPI(t *testing.T) {
	var gotPath, gotKey string
	var gotBody cloudAPISendRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("D360-API-KEY")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"messages": [{"id": "wamid.out"}]}`)
	}))
	defer ts.Close()

	cfg := whatsappConfig("ch-1", models.WhatsAppProvider360Dialog, map[string]string{
		models.CredAPIToken: "secret-key",
	})
	cfg.Settings = map[string]any{"api_url": ts.URL}

	a := testAdapter()
	if err := a.SendMessage(context.Background(), "+351 912 345 678", "hello", cfg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if gotBody.MessagingProduct != "whatsapp" || gotBody.RecipientType != "individual" {
		t.Fatalf("envelope = %+v", gotBody)
	}
	if gotBody.To != "351912345678" {
		t.Fatalf("to = %q, want normalized digits", gotBody.To)
	}
	if gotBody.Text.Body != "hello" {
		t.Fatalf("text body = %q", gotBody.Text.Body)
	}
}

func TestSendUltramsg(t *testing.T) {
	var gotPath string
	var gotBody ultramsgSendRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		io.WriteString(w, `{"sent": "true", "id": 42}`)
	}))
	defer ts.Close()

	cfg := whatsappConfig("ch-2", models.WhatsAppProviderUltramsg, map[string]string{
		models.CredInstanceID: "instance112233",
		models.CredAPIToken:   "token-abc",
	})
	cfg.Settings = map[string]any{"api_url": ts.URL}

	a := testAdapter()
	if err := a.SendMessage(context.Background(), "351912345678@c.us", "hi", cfg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/instance112233/messages/chat" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.Token != "token-abc" {
		t.Fatalf("token = %q", gotBody.Token)
	}
	if gotBody.To != "351912345678" {
		t.Fatalf("to = %q", gotBody.To)
	}
	if gotBody.Body != "hi" {
		t.Fatalf("body = %q", gotBody.Body)
	}
}

func TestSendUltramsgAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": "invalid token"}`)
	}))
	defer ts.Close()

	cfg := whatsappConfig("ch-2", models.WhatsAppProviderUltramsg, map[string]string{
		models.CredInstanceID: "112233",
		models.CredAPIToken:   "bad",
	})
	cfg.Settings = map[string]any{"api_url": ts.URL}

	err := testAdapter().SendMessage(context.Background(), "351912345678", "hi", cfg)
	if err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("err = %v, want embedded provider error", err)
	}
}

func TestSendTwilio(t *testing.T) {
	var gotPath, gotUser, gotPass string
	var gotForm url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"sid": "SMout"}`)
	}))
	defer ts.Close()

	cfg := whatsappConfig("ch-3", models.WhatsAppProviderTwilio, map[string]string{
		models.CredAccountSID: "AC00112233445566",
		models.CredAuthToken:  "auth-token",
		models.CredFromNumber: "+1 415 523 8886",
	})
	cfg.Settings = map[string]any{"api_url": ts.URL}

	a := testAdapter()
	if err := a.SendMessage(context.Background(), "351912345678", "hey", cfg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/Accounts/AC00112233445566/Messages.json" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUser != "AC00112233445566" || gotPass != "auth-token" {
		t.Fatalf("basic auth = %q / %q", gotUser, gotPass)
	}
	if got := gotForm.Get("From"); got != "whatsapp:+14155238886" {
		t.Fatalf("From = %q", got)
	}
	if got := gotForm.Get("To"); got != "whatsapp:+351912345678" {
		t.Fatalf("To = %q", got)
	}
	if got := gotForm.Get("Body"); got != "hey" {
		t.Fatalf("Body = %q", got)
	}
}

func TestSendHTTPErrorSurfacesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": {"message": "bad key"}}`)
	}))
	defer ts.Close()

	cfg := whatsappConfig("ch-1", models.WhatsAppProvider360Dialog, map[string]string{
		models.CredAPIToken: "stale",
	})
	cfg.Settings = map[string]any{"api_url": ts.URL}

	err := testAdapter().SendMessage(context.Background(), "351912345678", "hello", cfg)
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("err = %v, want status 401", err)
	}
}

func TestSendMessageUsesOverride(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		io.WriteString(w, `{"sent": "true"}`)
	}))
	defer ts.Close()

	base := whatsappConfig("ch-default", models.WhatsAppProvider360Dialog, map[string]string{
		models.CredAPIToken: "k",
	})
	override := whatsappConfig("ch-tenant", models.WhatsAppProviderUltramsg, map[string]string{
		models.CredInstanceID: "112233",
		models.CredAPIToken:   "t",
	})
	override.Settings = map[string]any{"api_url": ts.URL}

	a := testAdapter()
	if err := a.Initialize(context.Background(), base); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.SendMessage(context.Background(), "351912345678", "hi", override); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if hits != 1 {
		t.Fatalf("override endpoint hits = %d", hits)
	}
}

func TestSendMessageUninitialized(t *testing.T) {
	err := testAdapter().SendMessage(context.Background(), "351912345678", "hi", nil)
	if !errors.Is(err, channels.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *models.ChannelConfig
		wantErr bool
	}{
		{
			name: "dialog complete",
			cfg: whatsappConfig("a", models.WhatsAppProvider360Dialog, map[string]string{
				models.CredAPIToken: "k",
			}),
		},
		{
			name: "dialog missing token",
			cfg: whatsappConfig("b", models.WhatsAppProvider360Dialog, map[string]string{
				models.CredPhoneNumberID: "1",
			}),
			wantErr: true,
		},
		{
			name: "ultramsg missing instance",
			cfg: whatsappConfig("c", models.WhatsAppProviderUltramsg, map[string]string{
				models.CredAPIToken: "k",
			}),
			wantErr: true,
		},
		{
			name: "twilio missing from number",
			cfg: whatsappConfig("d", models.WhatsAppProviderTwilio, map[string]string{
				models.CredAccountSID: "AC1",
				models.CredAuthToken:  "t",
			}),
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     whatsappConfig("e", "smoke-signals", nil),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testAdapter().Initialize(context.Background(), tt.cfg)
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Initialize: %v", err)
			}
		})
	}
}

func TestInitializeUnknownProviderSentinel(t *testing.T) {
	err := testAdapter().Initialize(context.Background(), whatsappConfig("x", "carrier-pigeon", nil))
	if !errors.Is(err, channels.ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestHealthReflectsInitialization(t *testing.T) {
	a := testAdapter()
	if a.IsHealthy(context.Background()) {
		t.Fatal("uninitialized adapter reported healthy")
	}
	cfg := whatsappConfig("ch-1", models.WhatsAppProvider360Dialog, map[string]string{
		models.CredAPIToken: "k",
	})
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !a.IsHealthy(context.Background()) {
		t.Fatal("initialized adapter reported unhealthy")
	}
}

func TestHandleWebhookDelegatesToNormalize(t *testing.T) {
	msg, err := testAdapter().HandleWebhook([]byte(ultramsgChat))
	if err != nil || msg == nil {
		t.Fatalf("HandleWebhook: %v %v", msg, err)
	}
	if msg.UserID != "351912345678" {
		t.Fatalf("user id = %q", msg.UserID)
	}
}
