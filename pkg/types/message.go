package types

// ListEntry is one message of a LIST response. CorrelationID is omitted when the message
// carries the all-zero correlation identifier.
type ListEntry struct {
	MessageID     string `json:"messageId"`
	MessageFormat string `json:"messageFormat"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// RawEntry is one message of a RAW response, body included.
//
// MessageBody is a string for MQSTR messages and []byte (base64 in JSON) otherwise.
type RawEntry struct {
	MessageID     string `json:"messageId"`
	MessageFormat string `json:"messageFormat"`
	CorrelationID string `json:"correlationId"`
	MessageBody   any    `json:"messageBody"`
}

// ListResponse is the body of a LIST browse.
type ListResponse struct {
	Messages []ListEntry `json:"messages"`
}

// RawResponse is the body of a RAW browse.
type RawResponse struct {
	Messages []RawEntry `json:"messages"`
}

// ErrorEnvelope is returned instead of a payload when an operation faults.
//
// Field order is part of the wire contract. Type, Explanation and Action are reserved and
// always null; CompletionCode and ReasonCode are set only for queue manager faults.
type ErrorEnvelope struct {
	Type           *string `json:"type"`
	MsgID          string  `json:"msgId"`
	Message        string  `json:"message"`
	Explanation    *string `json:"explanation"`
	Action         *string `json:"action"`
	QmgrName       string  `json:"qmgrName"`
	CompletionCode *int32  `json:"completioncode"`
	ReasonCode     *int32  `json:"reasonCode"`
}
