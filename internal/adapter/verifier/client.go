// Package verifier is the HTTP client for a backend's card verification
// endpoint. The backend drives the browser session; this client only submits
// the card and interprets the JSON outcome.
package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// Client calls POST <backend><verifyPath> with a bearer token.
type Client struct {
	http       *http.Client
	verifyPath string
	token      string
}

// New constructs a Client. The timeout bounds the whole verify call; lease
// expiry is handled by the store, not by this client.
func New(verifyPath, token string, timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		verifyPath: verifyPath,
		token:      token,
	}
}

type verifyRequest struct {
	Card string `json:"card"`
}

// The backend response is loosely typed; only these fields are contractual.
// Error details may arrive nested under resultado or as a top-level detail.
type verifyResponse struct {
	Status    string `json:"status"`
	Detail    string `json:"detail"`
	Resultado struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Erro    string `json:"erro"`
	} `json:"resultado"`
}

// Verify submits the card and maps the response to an outcome. A returned
// error means the call itself failed (timeout, non-2xx, unparseable body);
// a non-success outcome means the backend answered and reported an error.
func (c *Client) Verify(ctx domain.Context, backendURL, card string) (domain.VerifyOutcome, error) {
	start := time.Now()
	defer func() {
		observability.VerifyDuration.WithLabelValues(backendURL).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(verifyRequest{Card: card})
	if err != nil {
		return domain.VerifyOutcome{}, fmt.Errorf("op=verify.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL+c.verifyPath, bytes.NewReader(body))
	if err != nil {
		return domain.VerifyOutcome{}, fmt.Errorf("op=verify.request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.VerifyOutcome{}, fmt.Errorf("op=verify.call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return domain.VerifyOutcome{}, fmt.Errorf("op=verify.decode: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractError(vr)
		return domain.VerifyOutcome{}, fmt.Errorf("op=verify.call: status %d: %s", resp.StatusCode, msg)
	}
	return mapOutcome(vr), nil
}

// The backend speaks Portuguese; accept both spellings of each outcome.
func mapOutcome(vr verifyResponse) domain.VerifyOutcome {
	switch strings.ToLower(vr.Status) {
	case "success", "sucesso":
		return domain.VerifyOutcome{Success: true}
	default:
		return domain.VerifyOutcome{Success: false, Message: extractError(vr)}
	}
}

func extractError(vr verifyResponse) string {
	if vr.Resultado.Message != "" {
		return vr.Resultado.Message
	}
	if vr.Resultado.Erro != "" {
		return vr.Resultado.Erro
	}
	if vr.Detail != "" {
		return vr.Detail
	}
	return fmt.Sprintf("API status: %s", vr.Status)
}

var _ domain.Verifier = (*Client)(nil)
