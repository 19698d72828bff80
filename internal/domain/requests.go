package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// TransferRequest is the closed set of transfer variants a caller may submit.
// Each variant carries its own required fields and validates them before the
// ledger computes a fee.
type TransferRequest interface {
	Kind() Kind
	Common() TransferBase
	Validate() error
	transferRequest()
}

// TransferBase holds the fields every variant shares.
type TransferBase struct {
	FromAccountID string `json:"from_account_id"`
	RecipientRef  string `json:"recipient_ref"`
	Amount        int64  `json:"amount"`
	Note          string `json:"note,omitempty"`
}

func (b TransferBase) Common() TransferBase { return b }
func (TransferBase) transferRequest() {}

func (b TransferBase) validate() error {
	if b.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(b.FromAccountID) == "" {
		return fmt.Errorf("%w: from_account_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(b.RecipientRef) == "" {
		return fmt.Errorf("%w: recipient_ref is required", ErrInvalidRequest)
	}
	if b.FromAccountID == b.RecipientRef {
		return ErrSameAccount
	}
	return nil
}

// SendRequest moves money from the caller to another user or external rail.
type SendRequest struct {
	TransferBase
}

func (SendRequest) Kind() Kind         { return KindSend }
func (r SendRequest) Validate() error { return r.validate() }

// ReceiveRequest settles a money request: FromAccountID is the payer and
// RecipientRef the requester.
type ReceiveRequest struct {
	TransferBase
}

func (ReceiveRequest) Kind() Kind         { return KindReceive }
func (r ReceiveRequest) Validate() error { return r.validate() }

// TradeRequest pays a counterparty for an instrument traded peer to peer.
type TradeRequest struct {
	TransferBase
	Instrument string `json:"instrument"`
}

func (TradeRequest) Kind() Kind { return KindTrade }

func (r TradeRequest) Validate() error {
	if err := r.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Instrument) == "" {
		return fmt.Errorf("%w: instrument is required for trades", ErrInvalidRequest)
	}
	return nil
}

// InstantRequest is a send with immediate availability and a surcharge.
type InstantRequest struct {
	TransferBase
}

func (InstantRequest) Kind() Kind         { return KindInstant }
func (r InstantRequest) Validate() error { return r.validate() }

// TapToPayRequest is an NFC payment initiated at a terminal.
type TapToPayRequest struct {
	TransferBase
	TerminalID string `json:"terminal_id"`
}

func (TapToPayRequest) Kind() Kind { return KindTapToPay }

func (r TapToPayRequest) Validate() error {
	if err := r.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.TerminalID) == "" {
		return fmt.Errorf("%w: terminal_id is required for tap to pay", ErrInvalidRequest)
	}
	return nil
}

// InternationalRequest sends money abroad, converting out of the platform currency.
type InternationalRequest struct {
	TransferBase
	FromCurrency string `json:"from_currency"`
	ToCurrency   string `json:"to_currency"`
}

func (InternationalRequest) Kind() Kind { return KindInternational }

func (r InternationalRequest) Validate() error {
	if err := r.validate(); err != nil {
		return err
	}
	if err := ValidateCurrencyCode(r.FromCurrency); err != nil {
		return err
	}
	if err := ValidateCurrencyCode(r.ToCurrency); err != nil {
		return err
	}
	if r.FromCurrency != PlatformCurrency || r.FromCurrency == r.ToCurrency {
		return fmt.Errorf("%w: %s to %s", ErrUnsupportedCurrencyPair, r.FromCurrency, r.ToCurrency)
	}
	return nil
}

// ValidateCurrencyCode checks for a three-letter uppercase ISO 4217 code.
func ValidateCurrencyCode(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: currency code must be 3 characters", ErrInvalidRequest)
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: currency code must contain only uppercase letters", ErrInvalidRequest)
		}
	}
	return nil
}

// ParseTransferRequest narrows a JSON body to its variant using the "kind"
// discriminator.
func ParseTransferRequest(data []byte) (TransferRequest, error) {
	var envelope struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed body", ErrInvalidRequest)
	}

	var req TransferRequest
	switch envelope.Kind {
	case KindSend:
		req = &SendRequest{}
	case KindReceive:
		req = &ReceiveRequest{}
	case KindTrade:
		req = &TradeRequest{}
	case KindInstant:
		req = &InstantRequest{}
	case KindTapToPay:
		req = &TapToPayRequest{}
	case KindInternational:
		req = &InternationalRequest{}
	default:
		return nil, fmt.Errorf("%w: unknown transfer kind %q", ErrInvalidRequest, envelope.Kind)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: malformed %s body", ErrInvalidRequest, envelope.Kind)
	}
	return deref(req), nil
}

func deref(req TransferRequest) TransferRequest {
	switch r := req.(type) {
	case *SendRequest:
		return *r
	case *ReceiveRequest:
		return *r
	case *TradeRequest:
		return *r
	case *InstantRequest:
		return *r
	case *TapToPayRequest:
		return *r
	case *InternationalRequest:
		return *r
	}
	return req
}

// Fingerprint hashes the canonical form of a request so that a replayed
// idempotency key can be checked against the payload it was first used with.
func Fingerprint(req TransferRequest) string {
	body, _ := json.Marshal(struct {
		Kind    Kind            `json:"kind"`
		Request TransferRequest `json:"request"`
	}{req.Kind(), req})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
