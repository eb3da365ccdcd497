package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"hotel-agent/internal/domain"
)

// userSnapshot is the user-profile view embedded in the system instruction so
// the model can answer "Who am I?" and prefill booking details.
type userSnapshot struct {
	UserID          string `json:"userId"`
	FullName        string `json:"fullName,omitempty"`
	Email           string `json:"email,omitempty"`
	LastInteraction string `json:"lastInteraction,omitempty"`
}

// buildSystemMessages assembles the turn's system instruction: the fixed
// behavioral rules, an operator-pinned prompt from SSM, and a snapshot of the
// known user fields.
func buildSystemMessages(pinnedPrompt string, user domain.User) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildPolicyPrompt()},
	}
	pinned := strings.TrimSpace(pinnedPrompt)
	if pinned != "" {
		messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: pinned})
	}
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleSystem,
		Content: "User details: " + marshalUserSnapshot(user),
	})
	return messages
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"You are a polite and helpful hotel booking assistant chatbot. Always maintain a friendly and professional tone.",
		"Key points:",
		"1. If asked \"Who are you?\", explain that you're a hotel booking assistant chatbot.",
		"2. If asked \"Who am I?\", provide details about the user if available.",
		"3. If faced with inappropriate language or queries, respond ethically and professionally, redirecting the conversation to booking-related topics.",
		"4. Guide users through the booking process: greeting, showing rooms, asking for nights of stay, calculating price, confirming booking, and processing payment.",
		"5. When a booking is confirmed, always provide the booking ID returned by the booking system to the user.",
		"6. Ask for payment after a booking is confirmed. Use the process_payment function to process payments.",
		"7. Provide check-in and check-out dates when asked or after a successful booking.",
		"8. You can communicate in any language the user prefers.",
	}, "\n")
}

func marshalUserSnapshot(user domain.User) string {
	snapshot := userSnapshot{
		UserID:   user.UserID,
		FullName: user.FullName,
		Email:    user.Email,
	}
	if !user.LastInteraction.IsZero() {
		snapshot.LastInteraction = user.LastInteraction.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		// Marshalling a flat string struct cannot fail; keep the prompt usable.
		return `{"userId":"` + user.UserID + `"}`
	}
	return string(raw)
}
