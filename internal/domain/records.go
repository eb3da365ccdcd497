package domain

import "time"

// User is the persisted profile for a chat participant. Created on the first
// message from a new userId and never deleted; LastInteraction is touched on
// every turn.
type User struct {
	UserID          string
	FullName        string
	Email           string
	LastInteraction time.Time
}

// StoredMessage is a single persisted conversation history entry. PK/SK are
// assigned by the repository; the SK encodes write time plus a per-turn
// sequence so history round-trips in order. Name carries the capability name
// for function-call and function-result entries; FunctionArgs carries the raw
// argument JSON for assistant entries that requested a capability.
type StoredMessage struct {
	PK           string
	SK           string
	UserID       string
	Role         string
	Content      string
	Name         string
	FunctionArgs string
	TTL          int64
}

// Booking is a persisted room reservation. The bookingId is issued by the
// inventory backend. IsPaid only ever transitions false to true.
type Booking struct {
	BookingID    string
	UserID       string
	RoomID       int
	CheckInDate  time.Time
	CheckOutDate time.Time
	TotalAmount  float64
	IsPaid       bool
}

// ChatMessage converts a stored history entry back to its prompt shape.
func (m StoredMessage) ChatMessage() ChatMessage {
	msg := ChatMessage{
		Role:    m.Role,
		Content: m.Content,
	}
	if m.Role == RoleFunction {
		msg.Name = m.Name
	}
	if m.FunctionArgs != "" {
		msg.FunctionCall = &FunctionCall{Name: m.Name, Arguments: m.FunctionArgs}
	}
	return msg
}
