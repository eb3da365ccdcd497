package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"hotel-agent/internal/domain"
	"hotel-agent/internal/integrations/hotelapi"
	"hotel-agent/internal/repository"
)

// Capability names as presented to the model. The registry below is the
// single source of truth for what the model may call.
const (
	toolGetRooms       = "get_rooms"
	toolBookRoom       = "book_room"
	toolProcessPayment = "process_payment"
)

var paymentMethods = map[string]bool{
	"credit_card": true,
	"debit_card":  true,
	"paypal":      true,
}

// toolOutcome is what a capability handler feeds back into the conversation.
// payload is the serialized adapter result; bookingID is set only when a
// booking was created by this call.
type toolOutcome struct {
	payload   string
	bookingID string
}

type toolSpec struct {
	definition domain.FunctionDefinition
	run        func(s *ChatService, ctx context.Context, userID string, rawArgs string) (toolOutcome, error)
}

// toolOrder fixes the catalog order presented to the model.
var toolOrder = []string{toolGetRooms, toolBookRoom, toolProcessPayment}

var toolRegistry = map[string]toolSpec{
	toolGetRooms: {
		definition: domain.FunctionDefinition{
			Name:        toolGetRooms,
			Description: "Get available hotel rooms",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		run: (*ChatService).runGetRooms,
	},
	toolBookRoom: {
		definition: domain.FunctionDefinition{
			Name:        toolBookRoom,
			Description: "Book a hotel room",
			Parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"roomId":{"type":"number"},
					"fullName":{"type":"string"},
					"email":{"type":"string"},
					"nights":{"type":"number"}
				},
				"required":["roomId","fullName","email","nights"]
			}`),
		},
		run: (*ChatService).runBookRoom,
	},
	toolProcessPayment: {
		definition: domain.FunctionDefinition{
			Name:        toolProcessPayment,
			Description: "Process payment for a booking",
			Parameters: json.RawMessage(`{
				"type":"object",
				"properties":{
					"bookingId":{"type":"string"},
					"amount":{"type":"number"},
					"method":{"type":"string","enum":["credit_card","debit_card","paypal"]}
				},
				"required":["bookingId","amount","method"]
			}`),
		},
		run: (*ChatService).runProcessPayment,
	},
}

// toolCatalog returns the static three-entry capability catalog in its fixed
// order.
func toolCatalog() []domain.FunctionDefinition {
	defs := make([]domain.FunctionDefinition, 0, len(toolOrder))
	for _, name := range toolOrder {
		defs = append(defs, toolRegistry[name].definition)
	}
	return defs
}

// dispatchTool validates a model-requested capability call against the
// registry and executes it. Unknown names and malformed arguments abort the
// turn; the model's arguments are never forwarded unvalidated.
func (s *ChatService) dispatchTool(ctx context.Context, userID string, call domain.FunctionCall) (toolOutcome, error) {
	spec, ok := toolRegistry[call.Name]
	if !ok {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "unknown_tool", fmt.Errorf("usecase: model requested unknown capability %q", call.Name))
	}
	return spec.run(s, ctx, userID, call.Arguments)
}

type getRoomsParams struct{}

type bookRoomParams struct {
	RoomID   int    `json:"roomId"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Nights   int    `json:"nights"`
}

type processPaymentParams struct {
	BookingID string  `json:"bookingId"`
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
}

// runGetRooms lists inventory. A transport failure degrades to an empty list
// so the conversation survives an unreachable backend. Mutates nothing.
func (s *ChatService) runGetRooms(ctx context.Context, _ string, rawArgs string) (toolOutcome, error) {
	if _, err := decodeToolArgs[getRoomsParams](rawArgs); err != nil {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "malformed_arguments", err)
	}

	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		slog.Warn("room listing unavailable, degrading to empty inventory", "err", err)
		rooms = []hotelapi.Room{}
	}
	if rooms == nil {
		rooms = []hotelapi.Room{}
	}

	payload, err := json.Marshal(rooms)
	if err != nil {
		return toolOutcome{}, newError(ErrorInternal, "tool_result_encode_error", err)
	}
	return toolOutcome{payload: string(payload)}, nil
}

// runBookRoom reserves a room with the backend and records the booking. A
// backend failure yields a null result ("booking failed"), not an error; a
// store failure aborts the turn.
func (s *ChatService) runBookRoom(ctx context.Context, userID string, rawArgs string) (toolOutcome, error) {
	params, err := decodeToolArgs[bookRoomParams](rawArgs)
	if err != nil {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "malformed_arguments", err)
	}
	if err := params.validate(); err != nil {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "malformed_arguments", err)
	}

	confirmation, err := s.rooms.CreateBooking(ctx, hotelapi.BookingRequest{
		RoomID:   params.RoomID,
		FullName: params.FullName,
		Email:    params.Email,
		Nights:   params.Nights,
	})
	if err != nil {
		slog.Warn("booking backend call failed", "roomId", params.RoomID, "err", err)
		return toolOutcome{payload: "null"}, nil
	}

	checkIn := s.now()
	booking := domain.Booking{
		BookingID:    confirmation.BookingID,
		UserID:       userID,
		RoomID:       params.RoomID,
		CheckInDate:  checkIn,
		CheckOutDate: checkIn.AddDate(0, 0, params.Nights),
		TotalAmount:  confirmation.TotalPrice,
		IsPaid:       false,
	}
	if err := s.state.PutBooking(ctx, booking); err != nil {
		return toolOutcome{}, newError(ErrorInternal, "dynamodb_booking_write_error", err)
	}

	payload, err := json.Marshal(confirmation)
	if err != nil {
		return toolOutcome{}, newError(ErrorInternal, "tool_result_encode_error", err)
	}
	return toolOutcome{payload: string(payload), bookingID: confirmation.BookingID}, nil
}

// paymentResult is the structured outcome fed back to the model: always a
// status, never an exception.
type paymentResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// runProcessPayment performs the simulated gateway round trip and, on
// success, flips the booking's paid flag. A gateway decline and an unknown
// booking are both legitimate structured outcomes that leave state untouched.
func (s *ChatService) runProcessPayment(ctx context.Context, _ string, rawArgs string) (toolOutcome, error) {
	params, err := decodeToolArgs[processPaymentParams](rawArgs)
	if err != nil {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "malformed_arguments", err)
	}
	if err := params.validate(); err != nil {
		return toolOutcome{}, newError(ErrorInvalidToolCall, "malformed_arguments", err)
	}

	charge, err := s.payments.Charge(ctx, params.BookingID, params.Amount, params.Method)
	if err != nil {
		return toolOutcome{}, newError(ErrorInternal, "payment_gateway_error", err)
	}

	var result paymentResult
	switch {
	case !charge.Success:
		result = paymentResult{Status: "failed", Message: charge.Message}
	default:
		err := s.state.MarkBookingPaid(ctx, params.BookingID)
		if errors.Is(err, repository.ErrBookingNotFound) {
			result = paymentResult{Status: "failed", Message: fmt.Sprintf("No booking found with ID %s.", params.BookingID)}
		} else if err != nil {
			return toolOutcome{}, newError(ErrorInternal, "dynamodb_booking_update_error", err)
		} else {
			result = paymentResult{
				Status:  "success",
				Message: fmt.Sprintf("Payment of $%g processed via %s. Transaction ID: %s", params.Amount, params.Method, charge.TransactionID),
			}
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return toolOutcome{}, newError(ErrorInternal, "tool_result_encode_error", err)
	}
	return toolOutcome{payload: string(payload)}, nil
}

func (p bookRoomParams) validate() error {
	if p.RoomID <= 0 {
		return errors.New("usecase: roomId must be a positive number")
	}
	if strings.TrimSpace(p.FullName) == "" {
		return errors.New("usecase: fullName is required")
	}
	if strings.TrimSpace(p.Email) == "" || !strings.Contains(p.Email, "@") {
		return errors.New("usecase: email must be a valid address")
	}
	if p.Nights < 1 {
		return errors.New("usecase: nights must be at least 1")
	}
	return nil
}

func (p processPaymentParams) validate() error {
	if strings.TrimSpace(p.BookingID) == "" {
		return errors.New("usecase: bookingId is required")
	}
	if p.Amount <= 0 {
		return errors.New("usecase: amount must be positive")
	}
	if !paymentMethods[p.Method] {
		return fmt.Errorf("usecase: method %q is not an accepted payment method", p.Method)
	}
	return nil
}

// decodeToolArgs strictly decodes model-supplied arguments into the declared
// parameter struct. Unknown fields and trailing JSON are schema violations.
func decodeToolArgs[T any](raw string) (T, error) {
	var out T
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	dec := json.NewDecoder(bytes.NewBufferString(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, fmt.Errorf("usecase: decode tool arguments: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		if err == nil {
			return zero, errors.New("usecase: decode tool arguments: multiple JSON values")
		}
		return zero, fmt.Errorf("usecase: decode tool arguments trailing data: %w", err)
	}
	return out, nil
}
