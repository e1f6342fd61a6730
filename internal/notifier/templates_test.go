package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/skypush/internal/domain"
)

func TestBuildMessage(t *testing.T) {
	ev := domain.InteractionEvent{
		Reason:          domain.ReasonRepost,
		ActorIdentity:   "did:plc:abc",
		SubjectIdentity: "did:plc:xyz",
		SubjectURI:      "at://did:plc:xyz/app.bsky.feed.post/1",
		RecordHash:      "bafyrepost",
	}

	msg, ok := BuildMessage(ev, "tok1")
	require.True(t, ok)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "did:plc:xyz", msg.Identity)
	assert.Equal(t, "tok1", msg.Token)
	assert.Equal(t, "New repost", msg.Title)
	assert.Equal(t, "did:plc:abc reposted your post", msg.Body)
	assert.Equal(t, map[string]string{
		"reason":  "repost",
		"actor":   "did:plc:abc",
		"subject": "did:plc:xyz",
		"uri":     "at://did:plc:xyz/app.bsky.feed.post/1",
		"cid":     "bafyrepost",
	}, msg.Data)

	// Same event, different token: identical content, distinct IDs
	other, ok := BuildMessage(ev, "tok2")
	require.True(t, ok)
	assert.Equal(t, msg.Title, other.Title)
	assert.Equal(t, msg.Body, other.Body)
	assert.Equal(t, msg.Data, other.Data)
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestBuildMessage_AllReasons(t *testing.T) {
	tests := []struct {
		reason domain.Reason
		title  string
		body   string
	}{
		{domain.ReasonFollow, "New follower", "did:plc:abc followed you"},
		{domain.ReasonLike, "New like", "did:plc:abc liked your post"},
		{domain.ReasonRepost, "New repost", "did:plc:abc reposted your post"},
		{domain.ReasonReply, "New reply", "did:plc:abc replied to your post"},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			msg, ok := BuildMessage(domain.InteractionEvent{
				Reason:          tt.reason,
				ActorIdentity:   "did:plc:abc",
				SubjectIdentity: "did:plc:xyz",
			}, "tok")
			require.True(t, ok)
			assert.Equal(t, tt.title, msg.Title)
			assert.Equal(t, tt.body, msg.Body)
			assert.Equal(t, tt.reason, msg.Reason)
		})
	}

	_, ok := BuildMessage(domain.InteractionEvent{Reason: "mention"}, "tok")
	assert.False(t, ok)
}

func TestBuildMessage_FollowHasNoURI(t *testing.T) {
	msg, ok := BuildMessage(domain.InteractionEvent{
		Reason:          domain.ReasonFollow,
		ActorIdentity:   "did:plc:abc",
		SubjectIdentity: "did:plc:xyz",
	}, "tok")
	require.True(t, ok)
	_, hasURI := msg.Data[DataURI]
	assert.False(t, hasURI)
	_, hasCID := msg.Data[DataCID]
	assert.False(t, hasCID)
}
