package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Constants for the WhatsApp Cloud API channel.
const (
	// DefaultAPIVersion is the Graph API version used when none is configured.
	DefaultAPIVersion = "v18.0"
	// DefaultHTTPTimeout bounds a single Cloud API call.
	DefaultHTTPTimeout = 10 * time.Second
)

// CloudAPIOpts holds configuration options for the WhatsApp Cloud API channel.
type CloudAPIOpts struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string // overrides the Graph API endpoint, used in tests
}

// CloudAPIOption defines a configuration option for the Cloud API channel.
type CloudAPIOption func(*CloudAPIOpts)

// WithAccessToken sets the Cloud API bearer token.
func WithAccessToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number ID.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithAPIVersion sets the Graph API version.
func WithAPIVersion(v string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API endpoint.
func WithBaseURL(u string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = u }
}

// CloudAPIService implements Service using the WhatsApp Business Cloud API
// (graph.facebook.com). This is the default delivery channel.
type CloudAPIService struct {
	accessToken string
	endpoint    string
	client      *http.Client
}

// Compile-time check that CloudAPIService implements Service.
var _ Service = (*CloudAPIService)(nil)

// NewCloudAPIService creates a Cloud API channel, falling back to the
// WHATSAPP_ACCESS_TOKEN, WHATSAPP_PHONE_NUMBER_ID and WHATSAPP_API_VERSION
// environment variables for unset options.
func NewCloudAPIService(opts ...CloudAPIOption) (*CloudAPIService, error) {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = os.Getenv("WHATSAPP_API_VERSION")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	slog.Debug("CloudAPIService config loaded",
		"access_token_set", cfg.AccessToken != "",
		"phone_number_id_set", cfg.PhoneNumberID != "",
		"api_version", cfg.APIVersion)

	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number ID must be provided")
	}

	base := cfg.BaseURL
	if base == "" {
		base = "https://graph.facebook.com"
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", base, cfg.APIVersion, cfg.PhoneNumberID)

	return &CloudAPIService{
		accessToken: cfg.AccessToken,
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultHTTPTimeout},
	}, nil
}

// ValidateAndCanonicalizeRecipient strips formatting characters and validates
// the phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

type cloudAPITextPayload struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type cloudAPIRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             cloudAPITextPayload `json:"text"`
}

// SendMessage sends a text message through the Cloud API. HTTP 408/429 and
// all 5xx responses are classified transient; any other non-2xx response is
// permanent (invalid recipient, rejected content, bad credentials).
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) error {
	payload, err := json.Marshal(cloudAPIRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             cloudAPITextPayload{PreviewURL: false, Body: body},
	})
	if err != nil {
		return NewPermanentError("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return NewPermanentError("build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return NewTransientError("cloud api request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("CloudAPIService message sent", "to", to, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := fmt.Sprintf("cloud api status %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		slog.Warn("CloudAPIService transient send failure", "to", to, "status", resp.StatusCode)
		return NewTransientError(detail, nil)
	}
	slog.Error("CloudAPIService permanent send failure", "to", to, "status", resp.StatusCode)
	return NewPermanentError(detail, nil)
}
