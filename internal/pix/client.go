package pix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the gateway's view of a charge. The gateway is the source of
// truth; this process never persists a status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProcess  Status = "in_process"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "charged_back"
)

// TerminalDeclined reports whether the charge reached a final state without
// being payable anymore.
func (s Status) TerminalDeclined() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusRefunded, StatusChargeback:
		return true
	}
	return false
}

// Charge is a gateway-side PIX payable instruction.
type Charge struct {
	ID          string
	Amount      decimal.Decimal
	QRPayload   string // scannable QR content
	CodePayload string // copy-paste PIX code
}

// GatewayError is any failure talking to the payment processor. Callers must
// not assume a charge exists after a failed create.
type GatewayError struct {
	Op         string
	StatusCode int // zero on transport errors
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pix %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pix %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying on a later cycle:
// transport errors, rate limiting, and server-side faults.
func (e *GatewayError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client issues charge calls against a MercadoPago-compatible payments API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type payer struct {
	Email          string         `json:"email"`
	FirstName      string         `json:"first_name"`
	Identification identification `json:"identification"`
}

type identification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type createRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Description       string      `json:"description"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Payer             payer       `json:"payer"`
}

type createResponse struct {
	ID           json.Number `json:"id"`
	QRCode       string      `json:"qr_code"`
	QRCodeBase64 string      `json:"qr_code_base64"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type apiError struct {
	Message string `json:"message"`
}

// CreateCharge creates a PIX charge. idempotencyKey is minted once per order
// session so a retried create after a network failure cannot open a second
// charge at the gateway.
func (c *Client) CreateCharge(ctx context.Context, description string, amount decimal.Decimal, payerLabel, idempotencyKey string) (Charge, error) {
	body := createRequest{
		TransactionAmount: json.Number(amount.String()),
		Description:       description,
		PaymentMethodID:   "pix",
		Payer: payer{
			Email:          fmt.Sprintf("%s@buyer.invalid", payerLabel),
			FirstName:      payerLabel,
			Identification: identification{Type: "CPF", Number: "00000000000"},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Charge{}, &GatewayError{Op: "create", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return Charge{}, &GatewayError{Op: "create", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Charge{}, &GatewayError{Op: "create", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return Charge{}, &GatewayError{Op: "create", StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Charge{}, &GatewayError{Op: "create", Err: fmt.Errorf("decode response: %w", err)}
	}
	return Charge{
		ID:          out.ID.String(),
		Amount:      amount,
		QRPayload:   out.QRCode,
		CodePayload: out.QRCodeBase64,
	}, nil
}

// GetStatus fetches the current status of a charge. A GatewayError here means
// "no information this cycle", not a terminal state.
func (c *Client) GetStatus(ctx context.Context, chargeID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+chargeID, nil)
	if err != nil {
		return "", &GatewayError{Op: "status", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &GatewayError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &GatewayError{Op: "status", StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &GatewayError{Op: "status", Err: fmt.Errorf("decode response: %w", err)}
	}
	return Status(out.Status), nil
}

func readMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}
