// Package classifier decodes raw repository records into interaction events.
// It is pure: it performs no I/O and rejects silently.
package classifier

import (
	"github.com/tidwall/gjson"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/identity"
)

// Collections that can produce an interaction
const (
	CollectionFollow = "app.bsky.graph.follow"
	CollectionLike   = "app.bsky.feed.like"
	CollectionRepost = "app.bsky.feed.repost"
	CollectionPost   = "app.bsky.feed.post"
)

// Collections lists every collection the classifier understands
var Collections = []string{CollectionFollow, CollectionLike, CollectionRepost, CollectionPost}

// IsCandidate reports whether records in collection may produce an event
func IsCandidate(collection string) bool {
	switch collection {
	case CollectionFollow, CollectionLike, CollectionRepost, CollectionPost:
		return true
	}
	return false
}

// Record is a newly created record observed on the firehose
type Record struct {
	// Repo is the DID of the repository owner, i.e. the actor
	Repo string

	Collection string
	RKey       string

	// CID is the content hash of the record
	CID string

	// Raw is the JSON encoded record body
	Raw []byte
}

// URI returns the resource URI of the record itself
func (r Record) URI() string {
	return identity.URIScheme + r.Repo + "/" + r.Collection + "/" + r.RKey
}

// Classify maps a record to an interaction event. ok is false when the record
// is not an interaction, its subject cannot be resolved, or the actor is
// interacting with their own content.
func Classify(rec Record) (event domain.InteractionEvent, ok bool) {
	actor, ok := identity.Normalize(rec.Repo)
	if !ok || !gjson.ValidBytes(rec.Raw) {
		return domain.InteractionEvent{}, false
	}

	event = domain.InteractionEvent{
		ActorIdentity: actor,
		RecordHash:    rec.CID,
	}

	switch rec.Collection {
	case CollectionFollow:
		subject, ok := identity.Normalize(gjson.GetBytes(rec.Raw, "subject").String())
		if !ok {
			return domain.InteractionEvent{}, false
		}
		event.Reason = domain.ReasonFollow
		event.SubjectIdentity = subject

	case CollectionLike, CollectionRepost:
		uri := gjson.GetBytes(rec.Raw, "subject.uri").String()
		subject, ok := identity.IdentityFromURI(uri)
		if !ok {
			return domain.InteractionEvent{}, false
		}
		event.Reason = domain.ReasonLike
		if rec.Collection == CollectionRepost {
			event.Reason = domain.ReasonRepost
		}
		event.SubjectIdentity = subject
		event.SubjectURI = uri

	case CollectionPost:
		// Only replies notify; the immediate parent's author is the subject
		uri := gjson.GetBytes(rec.Raw, "reply.parent.uri").String()
		if uri == "" {
			return domain.InteractionEvent{}, false
		}
		subject, ok := identity.IdentityFromURI(uri)
		if !ok {
			return domain.InteractionEvent{}, false
		}
		event.Reason = domain.ReasonReply
		event.SubjectIdentity = subject
		event.ReplyURI = uri

	default:
		return domain.InteractionEvent{}, false
	}

	if event.SubjectIdentity == event.ActorIdentity {
		return domain.InteractionEvent{}, false
	}

	return event, true
}
