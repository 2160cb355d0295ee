package mq

import "time"

// MessageDescriptor carries the per-message metadata exchanged on get and put.
type MessageDescriptor struct {
	MsgID       []byte
	CorrelID    []byte
	Format      string
	Expiry      int32 // tenths of a second, ExpiryUnlimited when unset
	Persistence Persistence
	ReplyToQ    string
	ReplyToQMgr string
	PutTime     time.Time
}

// NewMessageDescriptor returns a descriptor with the queue manager defaults.
func NewMessageDescriptor() *MessageDescriptor {
	return &MessageDescriptor{
		MsgID:       make([]byte, IDLength),
		CorrelID:    make([]byte, IDLength),
		Format:      FormatNone,
		Expiry:      ExpiryUnlimited,
		Persistence: AsQueueDefault,
	}
}

// GetMessageOptions controls a single get call.
type GetMessageOptions struct {
	Options      GetOption
	MatchOptions MatchOption
	WaitInterval time.Duration
}

// Has reports whether every flag in o is set.
func (g *GetMessageOptions) Has(o GetOption) bool {
	return g.Options&o == o
}

// Matches reports whether every flag in m is set.
func (g *GetMessageOptions) Matches(m MatchOption) bool {
	return g.MatchOptions&m == m
}

// PutMessageOptions controls a single put call.
type PutMessageOptions struct {
	Options PutOption
}

// Has reports whether every flag in o is set.
func (p *PutMessageOptions) Has(o PutOption) bool {
	return p.Options&o == o
}

// Matches reports whether a stored message satisfies the match options of a get,
// using the identifiers carried in the request descriptor.
func Matches(gmo *GetMessageOptions, want *MessageDescriptor, msgID, correlID []byte) bool {
	if gmo.Matches(MOMatchMsgID) && !EqualID(want.MsgID, msgID) {
		return false
	}
	if gmo.Matches(MOMatchCorrelID) && !EqualID(want.CorrelID, correlID) {
		return false
	}
	return true
}
