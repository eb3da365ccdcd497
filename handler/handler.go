// Package handler adapts API Gateway proxy events to the chat use case.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"hotel-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// chatUseCase is the single operation the handler depends on.
type chatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type chatRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler translates one inbound proxy event into one chat turn.
type Handler struct {
	chat chatUseCase
}

func NewHandler(chat chatUseCase) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	return &Handler{chat: chat}, nil
}

// Handle processes one POST /chat event. Failures surface as a status-coded
// error body with no partial reply.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(event.Headers)
	logger := slog.With("correlationId", correlationID)

	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_body",
		}), nil
	}

	out, err := h.chat.Chat(ctx, usecase.ChatInput{UserID: req.UserID, Message: req.Message})
	if err != nil {
		status, code, reason := mapError(err)
		logger.Error("chat turn failed", "code", code, "reason", reason, "err", err)
		return jsonResponse(status, correlationID, errorResponse{Error: code, Reason: reason}), nil
	}

	return jsonResponse(http.StatusOK, correlationID, chatResponse{Response: out.Reply}), nil
}

// mapError resolves a use-case error to an HTTP status plus its public code.
// Unknown errors collapse to a generic internal failure.
func mapError(err error) (status int, code, reason string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ""
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ucErr.Code), ucErr.Reason
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, string(ucErr.Code), ucErr.Reason
	case usecase.ErrorUpstream, usecase.ErrorInvalidToolCall:
		return http.StatusBadGateway, string(ucErr.Code), ucErr.Reason
	default:
		return http.StatusInternalServerError, string(ucErr.Code), ucErr.Reason
	}
}

func resolveCorrelationID(headers map[string]string) string {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == correlationHeader && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
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
