// Package domain holds the types shared by the registry and the notifier.
package domain

// Reason identifies the kind of interaction that produced a notification.
type Reason string

const (
	ReasonFollow Reason = "follow"
	ReasonLike   Reason = "like"
	ReasonReply  Reason = "reply"
	ReasonRepost Reason = "repost"
)

// Valid reports whether r is one of the four recognized reasons
func (r Reason) Valid() bool {
	switch r {
	case ReasonFollow, ReasonLike, ReasonReply, ReasonRepost:
		return true
	}
	return false
}

// Platform is the mobile platform a push token was issued for.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a supported platform
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Subscription associates an identity with the push tokens to notify.
// Identity is a normalized DID; Tokens is never empty for a stored subscription.
type Subscription struct {
	Identity string   `json:"identity"`
	Tokens   []string `json:"tokens"`
}

// InteractionEvent is a decoded interaction targeting SubjectIdentity.
// ActorIdentity never equals SubjectIdentity.
type InteractionEvent struct {
	Reason          Reason `json:"reason"`
	ActorIdentity   string `json:"actor"`
	SubjectIdentity string `json:"subject"`

	// SubjectURI is the liked or reposted record (like, repost)
	SubjectURI string `json:"subject_uri,omitempty"`

	// ReplyURI is the immediate parent post (reply)
	ReplyURI string `json:"reply_uri,omitempty"`

	// RecordHash is the content hash (CID) of the record that caused the event
	RecordHash string `json:"cid"`
}

// TargetURI returns the record URI the interaction points at, if any.
func (e InteractionEvent) TargetURI() string {
	if e.ReplyURI != "" {
		return e.ReplyURI
	}
	return e.SubjectURI
}

// NotificationMessage is a single push notification addressed to one token.
type NotificationMessage struct {
	ID       string            `json:"id"`
	Identity string            `json:"identity"`
	Token    string            `json:"token"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Reason   Reason            `json:"reason"`
}
