// Package realtime connects the engine to the pub/sub channel service.
package realtime

import "strings"

// PrivateChannel returns the two-party channel of a and b. Both participants
// derive the same name regardless of argument order.
func PrivateChannel(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "private-chat-" + a + "-" + b
}

// RoomChannel returns the channel of a group room.
func RoomChannel(roomID string) string {
	return "private-room-" + roomID
}

// UserConversationsChannel returns the per-user conversation list channel.
func UserConversationsChannel(userID string) string {
	return "private-user-" + userID + "-conversations"
}

// IsListChannel reports whether channel is a conversation list channel.
func IsListChannel(channel string) bool {
	return strings.HasPrefix(channel, "private-user-") && strings.HasSuffix(channel, "-conversations")
}
