// Package handler adapts API Gateway proxy events to the webhook pipeline.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"whatsapp-agent/internal/integrations/paramstore"
	"whatsapp-agent/internal/ledger"
	"whatsapp-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	modeSubscribe     = "subscribe"
)

type PayloadProcessor interface {
	HandlePayload(ctx context.Context, raw []byte) []usecase.Outcome
}

type statusResponse struct {
	Status string `json:"status"`
}

type healthResponse struct {
	Status string       `json:"status"`
	Ledger *ledgerStats `json:"ledger,omitempty"`
}

type ledgerStats struct {
	Size       int    `json:"size"`
	Begun      uint64 `json:"begun"`
	Duplicates uint64 `json:"duplicates"`
	Expired    uint64 `json:"expired"`
	Evicted    uint64 `json:"evicted"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Handler struct {
	uc          PayloadProcessor
	params      paramstore.Getter
	paramPrefix string
	log         *slog.Logger
	newID       func() string
	stats       func() ledger.Stats
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithLedgerStats adds the ledger counters to the health response.
func WithLedgerStats(stats func() ledger.Stats) Option {
	return func(h *Handler) {
		h.stats = stats
	}
}

// NewHandler builds the webhook endpoint. The verify token is read from
// <paramPrefix>/verify-token.
func NewHandler(uc PayloadProcessor, params paramstore.Getter, paramPrefix string, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: payload processor must not be nil")
	}
	if params == nil {
		return nil, errors.New("handler: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	h := &Handler{
		uc:          uc,
		params:      params,
		paramPrefix: paramPrefix,
		log:         slog.Default(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := h.correlationID(req.Headers)
	log := h.log.With("correlation_id", correlationID)

	if req.HTTPMethod == http.MethodGet && strings.HasSuffix(strings.TrimRight(req.Path, "/"), "/health") {
		return jsonResponse(http.StatusOK, h.health(), correlationID), nil
	}

	switch req.HTTPMethod {
	case http.MethodGet:
		return h.verify(ctx, log, req, correlationID), nil
	case http.MethodPost:
		return h.ingest(ctx, log, req, correlationID), nil
	default:
		log.Warn("handler: method not allowed", "method", req.HTTPMethod)
		resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}, correlationID)
		resp.Headers["Allow"] = "GET, POST"
		return resp, nil
	}
}

// verify answers the provider's subscription handshake.
func (h *Handler) verify(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	mode := strings.TrimSpace(queryParam(req, "hub.mode"))
	token := strings.TrimSpace(queryParam(req, "hub.verify_token"))
	challenge := queryParam(req, "hub.challenge")

	if mode == "" || token == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: "MISSING_PARAMETERS"}, correlationID)
	}

	expected, err := paramstore.Token(ctx, h.params, h.paramPrefix+"/verify-token")
	if err != nil {
		log.Error("handler: load verify token", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}

	if mode != modeSubscribe || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		log.Warn("handler: webhook verification rejected", "mode", mode)
		return jsonResponse(http.StatusForbidden, errorResponse{Error: "FORBIDDEN"}, correlationID)
	}

	log.Info("handler: webhook verified")
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "text/plain",
			correlationHeader: correlationID,
		},
		Body: challenge,
	}
}

// ingest always acknowledges: failures are handled inside the pipeline and
// a non-2xx answer would only make the provider redeliver.
func (h *Handler) ingest(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			log.Warn("handler: undecodable body", "err", err)
			return jsonResponse(http.StatusOK, statusResponse{Status: "ok"}, correlationID)
		}
		body = decoded
	}

	outcomes := h.uc.HandlePayload(ctx, body)
	counts := lo.CountValuesBy(outcomes, func(o usecase.Outcome) usecase.State { return o.State })
	log.Info("handler: webhook processed",
		"events", len(outcomes),
		"done", counts[usecase.StateDone],
		"skipped", counts[usecase.StateSkipped],
		"failed", counts[usecase.StateFailed],
	)
	return jsonResponse(http.StatusOK, statusResponse{Status: "ok"}, correlationID)
}

func (h *Handler) health() healthResponse {
	resp := healthResponse{Status: "healthy"}
	if h.stats != nil {
		s := h.stats()
		resp.Ledger = &ledgerStats{
			Size:       s.Size,
			Begun:      s.Begun,
			Duplicates: s.Duplicates,
			Expired:    s.Expired,
			Evicted:    s.Evicted,
		}
	}
	return resp
}

func (h *Handler) correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return h.newID()
}

func queryParam(req events.APIGatewayProxyRequest, key string) string {
	if v, ok := req.QueryStringParameters[key]; ok {
		return v
	}
	if vs := req.MultiValueQueryStringParameters[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func jsonResponse(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
