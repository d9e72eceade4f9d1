package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/db"
	"settlement-service/internal/fault"
	"settlement-service/internal/payment"
	"settlement-service/internal/settlement"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SettlementManager is the slice of settlement.Manager the HTTP layer needs.
type SettlementManager interface {
	ProvisionInvoice(ctx context.Context, amount int64, currency, description string) (*db.InvoiceEntity, *db.SettlementEntity, error)
	GetSettlement(ctx context.Context, id uuid.UUID) (*db.SettlementEntity, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*db.InvoiceEntity, error)
	GetSettlementByInvoice(ctx context.Context, invoiceID uuid.UUID) (*db.SettlementEntity, error)
	ListSettlements(ctx context.Context, limit, offset int) ([]*db.SettlementEntity, int, error)
	ProcessPayment(ctx context.Context, invoiceID uuid.UUID, proof *payment.Proof) (*settlement.Result, error)
	Recipient() string
}

// EventLister is the read side of the event repository.
type EventLister interface {
	ListEvents(ctx context.Context, limit, offset int) ([]*db.EventEntity, int, error)
}

// EndpointCreator registers webhook endpoints.
type EndpointCreator interface {
	Create(ctx context.Context, entity *db.EndpointEntity) (*db.EndpointEntity, error)
}

type Server struct {
	settlements SettlementManager
	events      EventLister
	endpoints   EndpointCreator
	nonceTTL    time.Duration
	logger      *slog.Logger
}

func NewServer(settlements SettlementManager, events EventLister, endpoints EndpointCreator, nonceTTL time.Duration, logger *slog.Logger) *Server {
	return &Server{
		settlements: settlements,
		events:      events,
		endpoints:   endpoints,
		nonceTTL:    nonceTTL,
		logger:      logger,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", s.liveness)
	mux.HandleFunc("GET /v1/settlements/{id}", s.getSettlement)
	mux.HandleFunc("GET /v1/settlements", s.listSettlements)
	mux.HandleFunc("GET /v1/events", s.listEvents)
	mux.HandleFunc("POST /v1/invoices", s.createInvoice)
	mux.HandleFunc("GET /v1/invoices/{id}", s.getInvoice)
	mux.HandleFunc("GET /v1/invoices/{id}/content", s.RequirePayment(s.invoiceContent))
	mux.HandleFunc("POST /v1/endpoints", s.createEndpoint)
	return mux
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
}

type settlementResponse struct {
	ID          uuid.UUID  `json:"id"`
	InvoiceID   uuid.UUID  `json:"invoiceId"`
	Status      string     `json:"status"`
	TxHash      *string    `json:"txHash,omitempty"`
	Chain       string     `json:"chain"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func toSettlementResponse(entity *db.SettlementEntity) settlementResponse {
	return settlementResponse{
		ID:          entity.ID,
		InvoiceID:   entity.InvoiceID,
		Status:      entity.Status,
		TxHash:      entity.TxHash,
		Chain:       entity.Chain,
		Amount:      entity.Amount,
		Currency:    entity.Currency,
		ConfirmedAt: entity.ConfirmedAt,
		CreatedAt:   entity.CreatedAt,
	}
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, fault.Validation("invalid_settlement_id", "settlement id is not a valid UUID"))
		return
	}

	entity, err := s.settlements.GetSettlement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSettlementResponse(entity))
}

type settlementListResponse struct {
	Settlements []settlementResponse `json:"settlements"`
	Total       int                  `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

func (s *Server) listSettlements(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entities, total, err := s.settlements.ListSettlements(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	response := settlementListResponse{
		Settlements: make([]settlementResponse, 0, len(entities)),
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	}
	for _, entity := range entities {
		response.Settlements = append(response.Settlements, toSettlementResponse(entity))
	}

	writeJSON(w, http.StatusOK, response)
}

type eventResponse struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type eventListResponse struct {
	Events []eventResponse `json:"events"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entities, total, err := s.events.ListEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	response := eventListResponse{
		Events: make([]eventResponse, 0, len(entities)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, entity := range entities {
		response.Events = append(response.Events, eventResponse{
			ID:        entity.ID,
			Type:      entity.Type,
			Payload:   json.RawMessage(entity.Payload),
			CreatedAt: entity.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

type createInvoiceRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type invoiceResponse struct {
	ID           uuid.UUID `json:"id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Description  string    `json:"description,omitempty"`
	Status       string    `json:"status"`
	SettlementID uuid.UUID `json:"settlementId"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var request createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, fault.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	if request.Currency == "" {
		request.Currency = "USDC"
	}

	invoice, settlement, err := s.settlements.ProvisionInvoice(r.Context(), request.Amount, request.Currency, request.Description)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, invoiceResponse{
		ID:           invoice.ID,
		Amount:       invoice.Amount,
		Currency:     invoice.Currency,
		Description:  invoice.Description,
		Status:       invoice.Status,
		SettlementID: settlement.ID,
		CreatedAt:    invoice.CreatedAt,
	})
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, fault.Validation("invalid_invoice_id", "invoice id is not a valid UUID"))
		return
	}

	invoice, err := s.settlements.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	settlement, err := s.settlements.GetSettlementByInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, invoiceResponse{
		ID:           invoice.ID,
		Amount:       invoice.Amount,
		Currency:     invoice.Currency,
		Description:  invoice.Description,
		Status:       invoice.Status,
		SettlementID: settlement.ID,
		CreatedAt:    invoice.CreatedAt,
	})
}

// invoiceContent is the paid resource. It only runs once RequirePayment has
// settled the invoice or found it already settled.
func (s *Server) invoiceContent(w http.ResponseWriter, r *http.Request) {
	invoice := r.Context().Value(InvoiceContextKey).(*db.InvoiceEntity)

	writeJSON(w, http.StatusOK, map[string]any{
		"invoiceId":   invoice.ID,
		"description": invoice.Description,
		"content":     "paid content for invoice " + invoice.ID.String(),
	})
}

type createEndpointRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"eventTypes"`
	Secret     string   `json:"secret"`
}

type endpointResponse struct {
	ID         uuid.UUID `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"eventTypes"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var request createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, fault.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	if request.URL == "" || request.Secret == "" {
		writeError(w, fault.Validation("missing_field", "url and secret are required"))
		return
	}

	entity, err := s.endpoints.Create(r.Context(), &db.EndpointEntity{
		ID:         uuid.New(),
		URL:        request.URL,
		EventTypes: request.EventTypes,
		Secret:     request.Secret,
		Status:     db.EndpointStatusActive,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, endpointResponse{
		ID:         entity.ID,
		URL:        entity.URL,
		EventTypes: entity.EventTypes,
		Status:     entity.Status,
		CreatedAt:  entity.CreatedAt,
	})
}

func pagination(r *http.Request) (int, int, error) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, 0, fault.Validation("invalid_limit", "limit must be a positive integer")
		}
		limit = min(parsed, maxPageSize)
	}

	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, fault.Validation("invalid_offset", "offset must be a non-negative integer")
		}
		offset = parsed
	}

	return limit, offset, nil
}
