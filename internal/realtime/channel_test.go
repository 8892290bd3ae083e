package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivateChannelIsSymmetric(t *testing.T) {
	require.Equal(t, "private-chat-alice-bob", PrivateChannel("bob", "alice"))
	require.Equal(t, PrivateChannel("user_a", "user_b"), PrivateChannel("user_b", "user_a"))
}

func TestChannelNames(t *testing.T) {
	require.Equal(t, "private-room-r1", RoomChannel("r1"))
	require.Equal(t, "private-user-u1-conversations", UserConversationsChannel("u1"))
	require.True(t, IsListChannel(UserConversationsChannel("u1")))
	require.False(t, IsListChannel(RoomChannel("r1")))
}
