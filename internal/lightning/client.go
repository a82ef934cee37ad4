package lightning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client talks to an LND-style REST payment gateway. Amounts are satoshis;
// the gateway encodes int64 fields as JSON strings.
type Client struct {
	baseURL  string
	macaroon string
	httpc    *http.Client
	log      *zap.SugaredLogger
}

// NewClient constructs a Client.
func NewClient(baseURL, macaroon string, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:  baseURL,
		macaroon: macaroon,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		log:      logger,
	}
}

// DecodedPayment is the authoritative view of a payment request. Callers must
// never trust a client-supplied amount over NumSatoshis.
type DecodedPayment struct {
	NumSatoshis int64  `json:"num_satoshis,string"`
	PaymentHash string `json:"payment_hash"`
}

// Invoice is a freshly created inbound invoice.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentAddr    string `json:"payment_addr"`
	RHash          string `json:"r_hash"`
}

// InvoiceStatus reports whether an invoice has been paid.
type InvoiceStatus struct {
	Settled    bool  `json:"settled"`
	AmtPaidSat int64 `json:"amt_paid_sat,string"`
}

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
}

type sendPaymentResponse struct {
	PaymentError string `json:"payment_error"`
	PaymentHash  string `json:"payment_hash"`
}

type addInvoiceRequest struct {
	Memo      string `json:"memo"`
	Value     int64  `json:"value,string"`
	RPreimage string `json:"r_preimage"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway %s: decode response: %w", path, err)
		}
	}
	return nil
}

// DecodePayment decodes a payment request string.
func (c *Client) DecodePayment(ctx context.Context, paymentRequest string) (*DecodedPayment, error) {
	var out DecodedPayment
	if err := c.do(ctx, http.MethodGet, "/v1/payreq/"+url.PathEscape(paymentRequest), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendPayment pays the given payment request. The call is opaque: on error
// there is no way to tell a failed payment from one that settled after the
// response was lost.
func (c *Client) SendPayment(ctx context.Context, paymentRequest string) error {
	var out sendPaymentResponse
	err := c.do(ctx, http.MethodPost, "/v1/channels/transactions", sendPaymentRequest{PaymentRequest: paymentRequest}, &out)
	if err != nil {
		return err
	}
	if out.PaymentError != "" {
		return fmt.Errorf("gateway payment failed: %s", out.PaymentError)
	}
	c.log.Infow("payment sent", "paymentHash", out.PaymentHash)
	return nil
}

// AddInvoice creates an inbound invoice for the given amount.
func (c *Client) AddInvoice(ctx context.Context, value int64, memo string, preimage []byte) (*Invoice, error) {
	body := addInvoiceRequest{
		Memo:      memo,
		Value:     value,
		RPreimage: base64.StdEncoding.EncodeToString(preimage),
	}
	var out Invoice
	if err := c.do(ctx, http.MethodPost, "/v1/invoices", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupInvoice fetches the settlement state of an invoice by payment address.
func (c *Client) LookupInvoice(ctx context.Context, paymentAddr string) (*InvoiceStatus, error) {
	var out InvoiceStatus
	path := "/v2/invoices/lookup?payment_addr=" + url.QueryEscape(paymentAddr)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
