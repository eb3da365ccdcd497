package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hotel-agent/internal/domain"
	"hotel-agent/internal/integrations/hotelapi"
	"hotel-agent/internal/integrations/paymentsim"
)

const (
	defaultMaxContext = 20

	// maxToolRoundsPerTurn is a fixed policy, not an emergent property: one
	// capability call per turn, then a wrap-up completion with no tools
	// offered.
	maxToolRoundsPerTurn = 1
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// CompletionClient is one request/response exchange with the LLM service.
// When functions is non-empty the returned message may carry a FunctionCall.
type CompletionClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, functions []domain.FunctionDefinition) (domain.ChatMessage, error)
}

// RoomCatalog is the external inventory/booking backend.
type RoomCatalog interface {
	ListRooms(ctx context.Context) ([]hotelapi.Room, error)
	CreateBooking(ctx context.Context, booking hotelapi.BookingRequest) (*hotelapi.BookingConfirmation, error)
}

// PaymentGateway performs the simulated charge round trip. It only errors on
// cancellation; declines are structured results.
type PaymentGateway interface {
	Charge(ctx context.Context, bookingID string, amount float64, method string) (paymentsim.ChargeResult, error)
}

// StateStore is the persistence surface consumed by the orchestrator.
type StateStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	PutUser(ctx context.Context, user domain.User) error
	GetHistory(ctx context.Context, userID string, limit int) ([]domain.StoredMessage, error)
	AppendMessages(ctx context.Context, userID string, msgs []domain.ChatMessage) error
	PutBooking(ctx context.Context, booking domain.Booking) error
	MarkBookingPaid(ctx context.Context, bookingID string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService processes one inbound (userId, message) pair per call: it loads
// state, runs at most one capability round against the model, and persists
// the turn's messages.
type ChatService struct {
	params          ParamGetter
	llm             CompletionClient
	state           StateStore
	rooms           RoomCatalog
	payments        PaymentGateway
	paramPrefix     string
	maxContextItems int
	now             func() time.Time

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	openaiModel  string
}

type ChatInput struct {
	UserID  string
	Message string
}

type ChatOutput struct {
	Reply string
}

func NewChatService(p ParamGetter, llm CompletionClient, s StateStore, rooms RoomCatalog, payments PaymentGateway, paramPrefix string, maxContextItems int) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if rooms == nil {
		return nil, errors.New("usecase: room catalog must not be nil")
	}
	if payments == nil {
		return nil, errors.New("usecase: payment gateway must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextItems <= 0 {
		maxContextItems = defaultMaxContext
	}
	return &ChatService{
		params:          p,
		llm:             llm,
		state:           s,
		rooms:           rooms,
		payments:        payments,
		paramPrefix:     paramPrefix,
		maxContextItems: maxContextItems,
		now:             time.Now,
	}, nil
}

// Chat runs one full turn. Any store or LLM failure aborts the turn with a
// coded error and no partial reply; the inbound user message is persisted
// before the first completion so it survives later failures.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}

	if err := s.ensureConfig(ctx); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	user, err := s.resolveUser(ctx, userID)
	if err != nil {
		return ChatOutput{}, err
	}

	history, err := s.state.GetHistory(ctx, userID, s.maxContextItems)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "dynamodb_history_error", err)
	}

	userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: in.Message}
	if err := s.state.AppendMessages(ctx, userID, []domain.ChatMessage{userMsg}); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	window := make([]domain.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		window = append(window, m.ChatMessage())
	}
	window = append(window, userMsg)

	prompt := append(buildSystemMessages(s.pinnedPrompt, *user), window...)

	assistant, err := s.llm.Chat(ctx, s.openaiModel, prompt, toolCatalog())
	if err != nil {
		return ChatOutput{}, completionError(err)
	}

	// Messages produced by this turn beyond the already-persisted user entry.
	var turnMsgs []domain.ChatMessage
	final := assistant
	bookingID := ""

	for round := 0; round < maxToolRoundsPerTurn && final.FunctionCall != nil; round++ {
		call := *final.FunctionCall

		outcome, dispatchErr := s.dispatchTool(ctx, userID, call)
		if dispatchErr != nil {
			return ChatOutput{}, dispatchErr
		}

		// The booking ID must reach the history regardless of what the model
		// said.
		if outcome.bookingID != "" {
			bookingID = outcome.bookingID
			final.Content = strings.TrimSpace(final.Content + fmt.Sprintf(" Your booking ID is %s.", bookingID))
		}

		turnMsgs = append(turnMsgs,
			final,
			domain.ChatMessage{Role: domain.RoleFunction, Name: call.Name, Content: outcome.payload},
		)

		// Wrap-up completion: no tools offered, forcing a prose reply and
		// preventing capability chains.
		wrapPrompt := append(prompt, turnMsgs...)
		final, err = s.llm.Chat(ctx, s.openaiModel, wrapPrompt, nil)
		if err != nil {
			return ChatOutput{}, completionError(err)
		}
		final.FunctionCall = nil
	}

	if bookingID != "" && !strings.Contains(final.Content, bookingID) {
		final.Content = strings.TrimSpace(final.Content) + fmt.Sprintf(" Your booking ID is %s.", bookingID)
	}

	turnMsgs = append(turnMsgs, final)
	if err := s.state.AppendMessages(ctx, userID, turnMsgs); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	slog.Info("chat turn completed", "userId", userID, "historyLen", len(history), "toolCalled", len(turnMsgs) > 1)
	return ChatOutput{Reply: final.Content}, nil
}

// resolveUser creates the user on first contact and touches lastInteraction
// on every turn.
func (s *ChatService) resolveUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.state.GetUser(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_user_error", err)
	}
	if user == nil {
		user = &domain.User{UserID: userID}
	}
	user.LastInteraction = s.now().UTC()
	if err := s.state.PutUser(ctx, *user); err != nil {
		return nil, newError(ErrorInternal, "dynamodb_user_write_error", err)
	}
	return user, nil
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, openaiModel, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.pinnedPrompt = pinnedPrompt
	s.openaiModel = openaiModel
	s.cacheLoaded = true
	return nil
}

func (s *ChatService) loadSSMParams(ctx context.Context) (pinnedPrompt, openaiModel string, err error) {
	prefix := strings.TrimRight(s.paramPrefix, "/")

	pinnedPrompt, err = s.params.GetParameter(ctx, prefix+"/pinned_prompt")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	openaiModel, err = s.params.GetParameter(ctx, prefix+"/config/openai_model")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load openai model: %w", err)
	}
	return pinnedPrompt, openaiModel, nil
}

// completionError maps an LLM transport failure onto the error taxonomy.
// Rate limiting keeps its own code; everything else is an upstream fault.
func completionError(err error) error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, "openai_rate_limited", err)
	}
	return newError(ErrorUpstream, "openai_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
