package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/httpclient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxErrorBody = 64 * 1024

type HTTPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// HTTPClient submits documents as JSON over HTTPS. When client credentials are
// configured every request carries an OAuth2 bearer token.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	client := httpclient.New(cfg.Timeout, "fiscalstamp-platform")
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		authed := cc.Client(ctx)
		authed.Timeout = cfg.Timeout
		client = authed
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}
}

type submitPayload struct {
	DocumentID     string `json:"document_id"`
	ContentVersion int    `json:"content_version"`
	Content        []byte `json:"content"`
}

type errorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         *bool  `json:"retryable"`
	ExistingReference string `json:"existing_reference"`
}

func (c *HTTPClient) Submit(ctx context.Context, req Request) (Receipt, error) {
	body, err := json.Marshal(submitPayload{
		DocumentID:     req.DocumentID.String(),
		ContentVersion: req.ContentVersion,
		Content:        req.Content,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stamps", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var receipt Receipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return Receipt{}, &ReceiptError{Status: resp.StatusCode, Err: err}
		}
		if receipt.Reference == "" {
			return Receipt{}, &ReceiptError{Status: resp.StatusCode, Err: errors.New("empty reference")}
		}
		if receipt.StampedAt.IsZero() {
			receipt.StampedAt = time.Now().UTC()
		}
		return receipt, nil
	}

	return Receipt{}, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &Error{Status: resp.StatusCode}

	var payload errorPayload
	var body map[string]interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &payload) == nil && json.Unmarshal(raw, &body) == nil {
		perr.Code = payload.Code
		perr.Message = payload.Message
		perr.Retryable = payload.Retryable
		perr.ExistingReference = payload.ExistingReference
		perr.Body = body
	} else if text := strings.TrimSpace(string(raw)); text != "" {
		perr.Message = text
		perr.Body = map[string]interface{}{"raw": text}
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}
	return perr
}
