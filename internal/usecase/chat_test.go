package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hotel-agent/internal/domain"
	"hotel-agent/internal/integrations/hotelapi"
	"hotel-agent/internal/integrations/openai"
	"hotel-agent/internal/integrations/paymentsim"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type transientParams struct {
	*mockParams
	failOnce bool
}

func (p *transientParams) GetParameter(ctx context.Context, name string) (string, error) {
	if p.failOnce {
		p.failOnce = false
		return "", errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameter(ctx, name)
}

type llmCall struct {
	model     string
	messages  []domain.ChatMessage
	functions []domain.FunctionDefinition
}

type llmResponse struct {
	msg domain.ChatMessage
	err error
}

type mockLLM struct {
	responses []llmResponse
	calls     []llmCall
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage, fns []domain.FunctionDefinition) (domain.ChatMessage, error) {
	m.calls = append(m.calls, llmCall{model: model, messages: msgs, functions: fns})
	if len(m.responses) == 0 {
		return domain.ChatMessage{}, errors.New("no llm response configured")
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx].msg, m.responses[idx].err
}

type mockState struct {
	user       *domain.User
	history    []domain.StoredMessage
	userErr    error
	putUserErr error
	historyErr error
	appendErr  error
	putBkErr   error
	markErr    error

	savedUser   *domain.User
	appends     [][]domain.ChatMessage
	savedBk     *domain.Booking
	paidID      string
	markInvoked bool
}

func (m *mockState) GetUser(_ context.Context, _ string) (*domain.User, error) {
	return m.user, m.userErr
}

func (m *mockState) PutUser(_ context.Context, user domain.User) error {
	m.savedUser = &user
	return m.putUserErr
}

func (m *mockState) GetHistory(_ context.Context, _ string, _ int) ([]domain.StoredMessage, error) {
	return m.history, m.historyErr
}

func (m *mockState) AppendMessages(_ context.Context, _ string, msgs []domain.ChatMessage) error {
	m.appends = append(m.appends, msgs)
	return m.appendErr
}

func (m *mockState) PutBooking(_ context.Context, booking domain.Booking) error {
	m.savedBk = &booking
	return m.putBkErr
}

func (m *mockState) MarkBookingPaid(_ context.Context, bookingID string) error {
	m.markInvoked = true
	m.paidID = bookingID
	return m.markErr
}

type mockRooms struct {
	rooms        []hotelapi.Room
	listErr      error
	confirmation *hotelapi.BookingConfirmation
	createErr    error
	createdReq   *hotelapi.BookingRequest
}

func (m *mockRooms) ListRooms(_ context.Context) ([]hotelapi.Room, error) {
	return m.rooms, m.listErr
}

func (m *mockRooms) CreateBooking(_ context.Context, booking hotelapi.BookingRequest) (*hotelapi.BookingConfirmation, error) {
	m.createdReq = &booking
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.confirmation, nil
}

type mockPayments struct {
	result paymentsim.ChargeResult
	err    error

	chargedBookingID string
	chargedAmount    float64
	chargedMethod    string
}

func (m *mockPayments) Charge(_ context.Context, bookingID string, amount float64, method string) (paymentsim.ChargeResult, error) {
	m.chargedBookingID = bookingID
	m.chargedAmount = amount
	m.chargedMethod = method
	return m.result, m.err
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/pinned_prompt":       "Greet returning guests by name.",
			"/prefix/config/openai_model": "gpt-4o-mini",
		},
	}
}

func plainReply(content string) llmResponse {
	return llmResponse{msg: domain.ChatMessage{Role: domain.RoleAssistant, Content: content}}
}

func toolReply(content, name, args string) llmResponse {
	return llmResponse{msg: domain.ChatMessage{
		Role:         domain.RoleAssistant,
		Content:      content,
		FunctionCall: &domain.FunctionCall{Name: name, Arguments: args},
	}}
}

func newTestService(t *testing.T, p ParamGetter, llm CompletionClient, s StateStore, rooms RoomCatalog, payments PaymentGateway) *ChatService {
	t.Helper()
	svc, err := NewChatService(p, llm, s, rooms, payments, "/prefix", 20)
	require.NoError(t, err)
	return svc
}

func expectChatError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	p := defaultParams()
	llm := &mockLLM{}
	state := &mockState{}
	rooms := &mockRooms{}
	payments := &mockPayments{}

	_, err := NewChatService(nil, llm, state, rooms, payments, "/prefix", 20)
	require.Error(t, err)

	_, err = NewChatService(p, nil, state, rooms, payments, "/prefix", 20)
	require.Error(t, err)

	_, err = NewChatService(p, llm, nil, rooms, payments, "/prefix", 20)
	require.Error(t, err)

	_, err = NewChatService(p, llm, state, nil, payments, "/prefix", 20)
	require.Error(t, err)

	_, err = NewChatService(p, llm, state, rooms, nil, "/prefix", 20)
	require.Error(t, err)

	_, err = NewChatService(p, llm, state, rooms, payments, " ", 20)
	require.Error(t, err)
}

func TestChat_EmptyUserID(t *testing.T) {
	svc := newTestService(t, defaultParams(), &mockLLM{}, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err := svc.Chat(context.Background(), ChatInput{UserID: "  ", Message: "hi"})
	expectChatError(t, err, ErrorInvalidInput, "empty_user_id")
}

func TestChat_HappyPath_NoTool(t *testing.T) {
	state := &mockState{}
	llm := &mockLLM{responses: []llmResponse{plainReply("Hello! How can I help you today?")}}
	svc := newTestService(t, defaultParams(), llm, state, &mockRooms{}, &mockPayments{})

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, "Hello! How can I help you today?", out.Reply)

	// First contact creates the profile and stamps lastInteraction.
	require.NotNil(t, state.savedUser)
	require.Equal(t, "u-1", state.savedUser.UserID)
	require.False(t, state.savedUser.LastInteraction.IsZero())

	// One append for the inbound message, one for the assistant reply.
	require.Len(t, state.appends, 2)
	require.Len(t, state.appends[0], 1)
	require.Equal(t, domain.RoleUser, state.appends[0][0].Role)
	require.Equal(t, "Hello", state.appends[0][0].Content)
	require.Len(t, state.appends[1], 1)
	require.Equal(t, domain.RoleAssistant, state.appends[1][0].Role)

	require.Len(t, llm.calls, 1)
	require.Equal(t, "gpt-4o-mini", llm.calls[0].model)
	require.Len(t, llm.calls[0].functions, 3)
}

func TestChat_FirstCompletion_CarriesPromptAndHistory(t *testing.T) {
	now := time.Date(2026, 8, 12, 10, 0, 0, 0, time.UTC)
	state := &mockState{
		user: &domain.User{UserID: "u-1", FullName: "Jane Roe", Email: "jane@example.com"},
		history: []domain.StoredMessage{
			{Role: domain.RoleUser, Content: "What rooms do you have?"},
			{Role: domain.RoleAssistant, Content: "We have a Deluxe Suite and a Standard Room."},
		},
	}
	llm := &mockLLM{responses: []llmResponse{plainReply("ok")}}
	svc := newTestService(t, defaultParams(), llm, state, &mockRooms{}, &mockPayments{})
	svc.now = func() time.Time { return now }

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "How much is the suite?"})
	require.NoError(t, err)

	msgs := llm.calls[0].messages
	// policy + pinned + user snapshot, then two history entries, then the turn.
	require.Len(t, msgs, 6)
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "hotel booking assistant")
	require.Equal(t, "Greet returning guests by name.", msgs[1].Content)
	require.Contains(t, msgs[2].Content, "User details:")
	require.Contains(t, msgs[2].Content, "jane@example.com")
	require.Equal(t, "What rooms do you have?", msgs[3].Content)
	require.Equal(t, "We have a Deluxe Suite and a Standard Room.", msgs[4].Content)
	require.Equal(t, "How much is the suite?", msgs[5].Content)
}

func TestChat_ToolTurn_GetRooms(t *testing.T) {
	state := &mockState{}
	rooms := &mockRooms{rooms: []hotelapi.Room{
		{RoomID: 1, Name: "Deluxe Suite", Price: 200},
		{RoomID: 2, Name: "Standard Room", Price: 90},
	}}
	llm := &mockLLM{responses: []llmResponse{
		toolReply("", toolGetRooms, "{}"),
		plainReply("We have a Deluxe Suite at $200 and a Standard Room at $90."),
	}}
	svc := newTestService(t, defaultParams(), llm, state, rooms, &mockPayments{})

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "What rooms do you have?"})
	require.NoError(t, err)
	require.Contains(t, out.Reply, "Deluxe Suite")

	// Wrap-up completion must not offer the capability catalog again.
	require.Len(t, llm.calls, 2)
	require.Nil(t, llm.calls[1].functions)

	// The wrap-up prompt ends with the call/result pair.
	wrapMsgs := llm.calls[1].messages
	resultMsg := wrapMsgs[len(wrapMsgs)-1]
	require.Equal(t, domain.RoleFunction, resultMsg.Role)
	require.Equal(t, toolGetRooms, resultMsg.Name)
	require.Contains(t, resultMsg.Content, `"Deluxe Suite"`)

	// Tool turn persists exactly three extra entries after the user message.
	require.Len(t, state.appends, 2)
	require.Len(t, state.appends[1], 3)
	require.Equal(t, domain.RoleAssistant, state.appends[1][0].Role)
	require.Equal(t, domain.RoleFunction, state.appends[1][1].Role)
	require.Equal(t, domain.RoleAssistant, state.appends[1][2].Role)
}

func TestChat_BookingTurn_EchoesBookingID(t *testing.T) {
	now := time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC)
	state := &mockState{}
	rooms := &mockRooms{confirmation: &hotelapi.BookingConfirmation{
		BookingID:  "BK123",
		RoomID:     1,
		FullName:   "Jane Roe",
		Email:      "jane@example.com",
		Nights:     3,
		TotalPrice: 600,
	}}
	llm := &mockLLM{responses: []llmResponse{
		toolReply("Booking your room now.", toolBookRoom, `{"roomId":1,"fullName":"Jane Roe","email":"jane@example.com","nights":3}`),
		plainReply("Your room is booked for 3 nights."),
	}}
	svc := newTestService(t, defaultParams(), llm, state, rooms, &mockPayments{})
	svc.now = func() time.Time { return now }

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "Book the Deluxe Suite for 3 nights."})
	require.NoError(t, err)

	// The model's wrap-up omitted the ID, so the reply carries it appended.
	require.Contains(t, out.Reply, "BK123")
	require.Equal(t, "Your room is booked for 3 nights. Your booking ID is BK123.", out.Reply)

	// The persisted assistant call text carries the ID too, independent of
	// what the model said.
	require.Contains(t, state.appends[1][0].Content, "BK123")

	require.NotNil(t, rooms.createdReq)
	require.Equal(t, 1, rooms.createdReq.RoomID)

	require.NotNil(t, state.savedBk)
	require.Equal(t, "BK123", state.savedBk.BookingID)
	require.Equal(t, "u-1", state.savedBk.UserID)
	require.False(t, state.savedBk.IsPaid)
	require.Equal(t, now, state.savedBk.CheckInDate)
	require.Equal(t, now.AddDate(0, 0, 3), state.savedBk.CheckOutDate)
	require.Equal(t, 600.0, state.savedBk.TotalAmount)
}

func TestChat_BookingTurn_NoDuplicateEcho(t *testing.T) {
	rooms := &mockRooms{confirmation: &hotelapi.BookingConfirmation{BookingID: "BK123", TotalPrice: 600}}
	llm := &mockLLM{responses: []llmResponse{
		toolReply("", toolBookRoom, `{"roomId":1,"fullName":"Jane Roe","email":"jane@example.com","nights":3}`),
		plainReply("Done! Your booking ID is BK123."),
	}}
	svc := newTestService(t, defaultParams(), llm, &mockState{}, rooms, &mockPayments{})

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "Book it."})
	require.NoError(t, err)
	require.Equal(t, "Done! Your booking ID is BK123.", out.Reply)
	require.Equal(t, 1, strings.Count(out.Reply, "BK123"))
}

func TestChat_BookingBackendFailure_DegradesToNull(t *testing.T) {
	state := &mockState{}
	rooms := &mockRooms{createErr: errors.New("backend down")}
	llm := &mockLLM{responses: []llmResponse{
		toolReply("", toolBookRoom, `{"roomId":1,"fullName":"Jane Roe","email":"jane@example.com","nights":3}`),
		plainReply("Sorry, I could not complete the booking."),
	}}
	svc := newTestService(t, defaultParams(), llm, state, rooms, &mockPayments{})

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "Book it."})
	require.NoError(t, err)
	require.Equal(t, "Sorry, I could not complete the booking.", out.Reply)

	// No booking record, and the model saw a null tool result.
	require.Nil(t, state.savedBk)
	require.Equal(t, "null", state.appends[1][1].Content)
}

func TestChat_UnknownTool(t *testing.T) {
	llm := &mockLLM{responses: []llmResponse{toolReply("", "drop_tables", "{}")}}
	svc := newTestService(t, defaultParams(), llm, &mockState{}, &mockRooms{}, &mockPayments{})

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInvalidToolCall, "unknown_tool")
}

func TestChat_MalformedToolArguments(t *testing.T) {
	llm := &mockLLM{responses: []llmResponse{toolReply("", toolBookRoom, `{"roomId":"not-a-number"}`)}}
	svc := newTestService(t, defaultParams(), llm, &mockState{}, &mockRooms{}, &mockPayments{})

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInvalidToolCall, "malformed_arguments")
}

func TestChat_SSMLoadErrors(t *testing.T) {
	svc := newTestService(t, &mockParams{err: errors.New("ssm unavailable")}, &mockLLM{}, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "ssm_load_error")

	p := defaultParams()
	delete(p.vals, "/prefix/config/openai_model")
	svc = newTestService(t, p, &mockLLM{}, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "ssm_load_error")
}

func TestChat_SSMLoadError_IsRetriedOnNextRequest(t *testing.T) {
	p := &transientParams{mockParams: defaultParams(), failOnce: true}
	llm := &mockLLM{responses: []llmResponse{plainReply("ok")}}
	svc := newTestService(t, p, llm, &mockState{}, &mockRooms{}, &mockPayments{})

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "ssm_load_error")

	out, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Reply)
}

func TestChat_StateErrors(t *testing.T) {
	llm := func() *mockLLM { return &mockLLM{responses: []llmResponse{plainReply("ok")}} }

	svc := newTestService(t, defaultParams(), llm(), &mockState{userErr: errors.New("read failed")}, &mockRooms{}, &mockPayments{})
	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "dynamodb_user_error")

	svc = newTestService(t, defaultParams(), llm(), &mockState{putUserErr: errors.New("write failed")}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "dynamodb_user_write_error")

	svc = newTestService(t, defaultParams(), llm(), &mockState{historyErr: errors.New("dynamodb down")}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "dynamodb_history_error")

	svc = newTestService(t, defaultParams(), llm(), &mockState{appendErr: errors.New("write failed")}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorInternal, "dynamodb_write_error")
}

func TestChat_OpenAIErrors(t *testing.T) {
	rateLimited := &mockLLM{responses: []llmResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}}}
	svc := newTestService(t, defaultParams(), rateLimited, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorRateLimited, "openai_rate_limited")

	upstream := &mockLLM{responses: []llmResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}}}
	svc = newTestService(t, defaultParams(), upstream, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorUpstream, "openai_error")

	// The wrap-up completion maps through the same taxonomy.
	wrapFails := &mockLLM{responses: []llmResponse{
		toolReply("", toolGetRooms, "{}"),
		{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}},
	}}
	svc = newTestService(t, defaultParams(), wrapFails, &mockState{}, &mockRooms{}, &mockPayments{})
	_, err = svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	expectChatError(t, err, ErrorRateLimited, "openai_rate_limited")
}

func TestChat_UserMessagePersistedBeforeCompletion(t *testing.T) {
	state := &mockState{}
	llm := &mockLLM{responses: []llmResponse{{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}}}
	svc := newTestService(t, defaultParams(), llm, state, &mockRooms{}, &mockPayments{})

	_, err := svc.Chat(context.Background(), ChatInput{UserID: "u-1", Message: "hi"})
	require.Error(t, err)
	require.Len(t, state.appends, 1)
	require.Equal(t, "hi", state.appends[0][0].Content)
}
