package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"settlement-service/internal/db"
	"settlement-service/internal/fault"
	"settlement-service/internal/payment"

	"github.com/google/uuid"
)

// PaymentHeader carries the base64-encoded payment proof on retried requests.
const PaymentHeader = "X-Payment"

// AcceptedSchemes enumerates the proof schemes the 402 challenge offers.
var AcceptedSchemes = []string{payment.SchemeTxHash, payment.SchemeAuthorized}

type contextKey string

// InvoiceContextKey exposes the paid invoice to the protected handler.
const InvoiceContextKey = contextKey("paid_invoice")

// paymentRequiredResponse is the 402 challenge body. Error, retryable and
// terminal are only present when a submitted proof was rejected.
type paymentRequiredResponse struct {
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
	Recipient       string       `json:"recipient"`
	AcceptedSchemes []string     `json:"acceptedSchemes"`
	Nonce           string       `json:"nonce"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	Error           *fault.Error `json:"error,omitempty"`
	Retryable       *bool        `json:"retryable,omitempty"`
	Terminal        *bool        `json:"terminal,omitempty"`
}

// RequirePayment gates a handler behind the 402 flow for the invoice named
// in the request path. Webhook delivery for any resulting transition is
// queued through the outbox, so the response never waits on it.
func (s *Server) RequirePayment(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		invoiceID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, fault.Validation("invalid_invoice_id", "invoice id is not a valid UUID"))
			return
		}

		invoice, err := s.settlements.GetInvoice(r.Context(), invoiceID)
		if err != nil {
			writeError(w, err)
			return
		}

		if invoice.Status == db.InvoiceStatusExpired {
			s.writeChallenge(w, invoice, fault.Verification("invoice_expired", "invoice has expired"), false, true)
			return
		}

		header := r.Header.Get(PaymentHeader)
		if header == "" {
			// No proof: issue payment requirements, mutate nothing.
			s.writeChallenge(w, invoice, nil, false, false)
			return
		}

		proof, err := payment.DecodeProof(header)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := s.settlements.ProcessPayment(r.Context(), invoiceID, proof)
		if err != nil {
			var fe *fault.Error
			if !errors.As(err, &fe) {
				writeError(w, err)
				return
			}
			switch fe.Code {
			case fault.CodeReplay:
				// Distinct from retryable rejections: the proof is spent.
				s.writeChallenge(w, invoice, fe, false, false)
			case fault.CodeVerification:
				// Transient outcomes leave the settlement retryable;
				// definitive rejections have already failed it.
				retryable := fault.IsTransient(fe)
				s.writeChallenge(w, invoice, fe, retryable, !retryable)
			default:
				writeError(w, err)
			}
			return
		}

		if result.Processing {
			s.writeChallenge(w, invoice,
				fault.TransientVerification("confirmation_pending", "payment accepted, confirmation still pending"), true, false)
			return
		}

		ctx := context.WithValue(r.Context(), InvoiceContextKey, invoice)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) writeChallenge(w http.ResponseWriter, invoice *db.InvoiceEntity, fe *fault.Error, retryable, terminal bool) {
	response := paymentRequiredResponse{
		Amount:          invoice.Amount,
		Currency:        invoice.Currency,
		Recipient:       s.settlements.Recipient(),
		AcceptedSchemes: AcceptedSchemes,
		Nonce:           uuid.NewString(),
		ExpiresAt:       time.Now().UTC().Add(s.nonceTTL),
		Error:           fe,
	}
	if fe != nil {
		response.Retryable = &retryable
		response.Terminal = &terminal
	}

	writeJSON(w, http.StatusPaymentRequired, response)
}
