package notifier

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nkkko/skypush/internal/domain"
)

// Payload data keys
const (
	DataReason  = "reason"
	DataActor   = "actor"
	DataSubject = "subject"
	DataURI     = "uri"
	DataCID     = "cid"
)

type template struct {
	title string
	body  string
}

var templates = map[domain.Reason]template{
	domain.ReasonFollow: {title: "New follower", body: "{actor} followed you"},
	domain.ReasonLike:   {title: "New like", body: "{actor} liked your post"},
	domain.ReasonRepost: {title: "New repost", body: "{actor} reposted your post"},
	domain.ReasonReply:  {title: "New reply", body: "{actor} replied to your post"},
}

// BuildMessage renders the notification for event addressed to token. The
// title, body and data depend only on the event; ID is unique per message.
func BuildMessage(event domain.InteractionEvent, token string) (domain.NotificationMessage, bool) {
	tmpl, ok := templates[event.Reason]
	if !ok {
		return domain.NotificationMessage{}, false
	}

	data := map[string]string{
		DataReason:  string(event.Reason),
		DataActor:   event.ActorIdentity,
		DataSubject: event.SubjectIdentity,
	}
	if uri := event.TargetURI(); uri != "" {
		data[DataURI] = uri
	}
	if event.RecordHash != "" {
		data[DataCID] = event.RecordHash
	}

	return domain.NotificationMessage{
		ID:       uuid.NewString(),
		Identity: event.SubjectIdentity,
		Token:    token,
		Title:    tmpl.title,
		Body:     strings.ReplaceAll(tmpl.body, "{actor}", event.ActorIdentity),
		Data:     data,
		Reason:   event.Reason,
	}, true
}
