// Package stripe reports metered usage to Stripe and reads invoice previews
// and documents back through its REST API.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	providerName   = "stripe"
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 10 * time.Second
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) New(cfg domain.Config) (domain.Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, domain.ErrInvalidConfig
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Adapter{apiKey: apiKey, baseURL: baseURL, client: client}, nil
}

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func (a *Adapter) Name() string { return providerName }

// ReportUsage sends an increment usage record. Stripe meters whole units, so
// the quantity is rounded; a quantity that rounds to zero is not sent.
func (a *Adapter) ReportUsage(ctx context.Context, record domain.UsageRecord) error {
	itemID := strings.TrimSpace(record.SubscriptionItemID)
	if itemID == "" {
		return domain.ErrRemoteRejected
	}
	qty := int64(math.Round(record.Quantity))
	if qty <= 0 {
		return nil
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	form := url.Values{}
	form.Set("quantity", strconv.FormatInt(qty, 10))
	form.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	form.Set("action", "increment")

	path := "/v1/subscription_items/" + url.PathEscape(itemID) + "/usage_records"
	req, err := a.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key := strings.TrimSpace(record.IdempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return a.do(req, nil)
}

func (a *Adapter) UpcomingInvoice(ctx context.Context, providerSubscriptionID string) (*domain.UpcomingInvoice, error) {
	subID := strings.TrimSpace(providerSubscriptionID)
	if subID == "" {
		return nil, domain.ErrRemoteNotFound
	}
	req, err := a.newRequest(ctx, http.MethodGet, "/v1/invoices/upcoming?subscription="+url.QueryEscape(subID), nil)
	if err != nil {
		return nil, err
	}

	var payload stripeInvoice
	if err := a.do(req, &payload); err != nil {
		return nil, err
	}

	out := &domain.UpcomingInvoice{
		ProviderSubscriptionID: subID,
		Currency:               strings.ToUpper(payload.Currency),
		AmountDue:              minorUnits(payload.AmountDue),
		PeriodStart:            unix(payload.PeriodStart),
		PeriodEnd:              unix(payload.PeriodEnd),
		Lines:                  make([]domain.UpcomingLine, 0, len(payload.Lines.Data)),
	}
	for _, line := range payload.Lines.Data {
		out.Lines = append(out.Lines, domain.UpcomingLine{
			Description: line.Description,
			Amount:      minorUnits(line.Amount),
		})
	}
	return out, nil
}

func (a *Adapter) InvoiceArtifact(ctx context.Context, providerInvoiceID string) (*domain.Artifact, error) {
	invoiceID := strings.TrimSpace(providerInvoiceID)
	if invoiceID == "" {
		return nil, domain.ErrRemoteNotFound
	}
	req, err := a.newRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(invoiceID), nil)
	if err != nil {
		return nil, err
	}

	var payload stripeInvoice
	if err := a.do(req, &payload); err != nil {
		return nil, err
	}
	link := payload.InvoicePDF
	if link == "" {
		link = payload.HostedInvoiceURL
	}
	if link == "" {
		return nil, domain.ErrRemoteNotFound
	}
	return &domain.Artifact{
		ContentType: "application/pdf",
		Filename:    invoiceID + ".pdf",
		URL:         link,
	}, nil
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("stripe: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrRemoteNotFound, errorMessage(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnavailable, resp.StatusCode, errorMessage(body))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", domain.ErrRemoteRejected, resp.StatusCode, errorMessage(body))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stripe: decode response: %w", err)
	}
	return nil
}

type stripeError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorMessage(body []byte) string {
	var payload stripeError
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

type stripeInvoice struct {
	ID               string `json:"id"`
	Currency         string `json:"currency"`
	AmountDue        int64  `json:"amount_due"`
	PeriodStart      int64  `json:"period_start"`
	PeriodEnd        int64  `json:"period_end"`
	InvoicePDF       string `json:"invoice_pdf"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	Lines            struct {
		Data []struct {
			Description string `json:"description"`
			Amount      int64  `json:"amount"`
		} `json:"data"`
	} `json:"lines"`
}

// minorUnits converts an amount in cents; zero-decimal currencies are not
// billed through this engine.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
