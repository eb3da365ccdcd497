package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"hotel-agent/internal/domain"
)

const (
	pkPrefixUser    = "USER#"
	pkPrefixConv    = "CONV#"
	pkPrefixBooking = "BOOKING#"
	skPrefixMsg     = "MSG#"
	skMeta          = "META#"
	ttlDuration     = 30 * 24 * time.Hour // conversation items only
)

// ErrBookingNotFound is returned when a paid-flag update targets a booking
// that was never persisted.
var ErrBookingNotFound = errors.New("repository: booking not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding users, conversation messages and
// bookings in a single-table layout.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func userPK(userID string) string {
	return pkPrefixUser + userID
}

func convPK(userID string) string {
	return pkPrefixConv + userID
}

func bookingPK(bookingID string) string {
	return pkPrefixBooking + bookingID
}

// msgTimeFormat is fixed-width (9-digit fraction) so lexicographic SK order
// matches chronological order.
const msgTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// msgSK returns the sort key for a message: write time plus a per-batch
// sequence number so entries appended in one turn keep their order.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%04d", skPrefixMsg, ts.UTC().Format(msgTimeFormat), seq)
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// GetUser fetches a user profile, returning nil when none exists yet.
func (c *Client) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	user, err := itemToUser(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetUser unmarshal: %w", err)
	}
	return &user, nil
}

// PutUser writes or replaces a user profile record.
func (c *Client) PutUser(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.UserID) == "" {
		return errors.New("repository: PutUser: userId is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      userItem(user),
	})
	if err != nil {
		return fmt.Errorf("repository: PutUser: %w", err)
	}
	return nil
}

// GetHistory returns the most recent limit conversation messages for a user
// in chronological order.
func (c *Client) GetHistory(ctx context.Context, userID string, limit int) ([]domain.StoredMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.StoredMessage, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessages persists a batch of new conversation messages in one
// transaction, preserving their order via sequenced sort keys.
func (c *Client) AppendMessages(ctx context.Context, userID string, msgs []domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	stored := NewStoredMessages(userID, msgs, time.Now())

	items := make([]types.TransactWriteItem, 0, len(stored))
	for _, m := range stored {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(m),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessages: %w", err)
	}
	return nil
}

// GetBooking fetches a booking record, returning nil when none exists.
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*domain.Booking, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: bookingPK(bookingID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetBooking get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	booking, err := itemToBooking(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetBooking unmarshal: %w", err)
	}
	return &booking, nil
}

// PutBooking persists a new booking record. Bookings are created exactly once
// by the turn that booked the room.
func (c *Client) PutBooking(ctx context.Context, booking domain.Booking) error {
	if strings.TrimSpace(booking.BookingID) == "" {
		return errors.New("repository: PutBooking: bookingId is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                bookingItem(booking),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: PutBooking: %w", err)
	}
	return nil
}

// MarkBookingPaid flips isPaid to true for an existing booking. The flag is
// monotonic; there is no way back to unpaid.
func (c *Client) MarkBookingPaid(ctx context.Context, bookingID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: bookingPK(bookingID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET isPaid = :paid"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paid": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrBookingNotFound
		}
		return fmt.Errorf("repository: MarkBookingPaid: %w", err)
	}
	return nil
}

// NewStoredMessages assigns keys and TTLs to a batch of prompt messages
// appended at time ts.
func NewStoredMessages(userID string, msgs []domain.ChatMessage, ts time.Time) []domain.StoredMessage {
	stored := make([]domain.StoredMessage, 0, len(msgs))
	for i, m := range msgs {
		s := domain.StoredMessage{
			PK:      convPK(userID),
			SK:      msgSK(ts, i),
			UserID:  userID,
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
			TTL:     ttlValue(),
		}
		if m.FunctionCall != nil {
			s.Name = m.FunctionCall.Name
			s.FunctionArgs = m.FunctionCall.Arguments
		}
		stored = append(stored, s)
	}
	return stored
}

func userItem(user domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: userPK(user.UserID)},
		"SK":              &types.AttributeValueMemberS{Value: skMeta},
		"userId":          &types.AttributeValueMemberS{Value: user.UserID},
		"fullName":        &types.AttributeValueMemberS{Value: user.FullName},
		"email":           &types.AttributeValueMemberS{Value: user.Email},
		"lastInteraction": &types.AttributeValueMemberS{Value: user.LastInteraction.UTC().Format(time.RFC3339)},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	fullName, _ := strAttr(item, "fullName") // allow empty
	email, _ := strAttr(item, "email")       // allow empty
	last, err := timeAttr(item, "lastInteraction")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		UserID:          userID,
		FullName:        fullName,
		Email:           email,
		LastInteraction: last,
	}, nil
}

func messageItem(msg domain.StoredMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: msg.PK},
		"SK":      &types.AttributeValueMemberS{Value: msg.SK},
		"userId":  &types.AttributeValueMemberS{Value: msg.UserID},
		"role":    &types.AttributeValueMemberS{Value: msg.Role},
		"content": &types.AttributeValueMemberS{Value: msg.Content},
		"ttl":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", msg.TTL)},
	}
	if msg.Name != "" {
		item["name"] = &types.AttributeValueMemberS{Value: msg.Name}
	}
	if msg.FunctionArgs != "" {
		item["functionArgs"] = &types.AttributeValueMemberS{Value: msg.FunctionArgs}
	}
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (domain.StoredMessage, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.StoredMessage{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.StoredMessage{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.StoredMessage{}, err
	}
	content, _ := strAttr(item, "content")   // allow empty
	name, _ := strAttr(item, "name")         // optional
	args, _ := strAttr(item, "functionArgs") // optional
	userID, _ := strAttr(item, "userId")     // optional on old items

	return domain.StoredMessage{
		PK:           pk,
		SK:           sk,
		UserID:       userID,
		Role:         role,
		Content:      content,
		Name:         name,
		FunctionArgs: args,
	}, nil
}

func bookingItem(booking domain.Booking) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: bookingPK(booking.BookingID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"bookingId":    &types.AttributeValueMemberS{Value: booking.BookingID},
		"userId":       &types.AttributeValueMemberS{Value: booking.UserID},
		"roomId":       &types.AttributeValueMemberN{Value: strconv.Itoa(booking.RoomID)},
		"checkInDate":  &types.AttributeValueMemberS{Value: booking.CheckInDate.UTC().Format(time.RFC3339)},
		"checkOutDate": &types.AttributeValueMemberS{Value: booking.CheckOutDate.UTC().Format(time.RFC3339)},
		"totalAmount":  &types.AttributeValueMemberN{Value: strconv.FormatFloat(booking.TotalAmount, 'f', -1, 64)},
		"isPaid":       &types.AttributeValueMemberBOOL{Value: booking.IsPaid},
	}
}

func itemToBooking(item map[string]types.AttributeValue) (domain.Booking, error) {
	bookingID, err := strAttr(item, "bookingId")
	if err != nil {
		return domain.Booking{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Booking{}, err
	}
	roomID, err := intAttr(item, "roomId")
	if err != nil {
		return domain.Booking{}, err
	}
	checkIn, err := timeAttr(item, "checkInDate")
	if err != nil {
		return domain.Booking{}, err
	}
	checkOut, err := timeAttr(item, "checkOutDate")
	if err != nil {
		return domain.Booking{}, err
	}
	total, err := floatAttr(item, "totalAmount")
	if err != nil {
		return domain.Booking{}, err
	}
	isPaid, err := boolAttr(item, "isPaid")
	if err != nil {
		return domain.Booking{}, err
	}
	return domain.Booking{
		BookingID:    bookingID,
		UserID:       userID,
		RoomID:       roomID,
		CheckInDate:  checkIn,
		CheckOutDate: checkOut,
		TotalAmount:  total,
		IsPaid:       isPaid,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
