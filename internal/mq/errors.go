package mq

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned when a caller supplied identifier is not valid hex.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrNotConnected is returned when an operation needs a connection that is absent.
	ErrNotConnected = errors.New("not connected to queue manager")
)

// Error is a queue manager fault returned by a verb.
type Error struct {
	Verb     string
	CompCode int32
	Reason   int32
	Err      error
}

// NewError builds a failed-completion fault for verb.
func NewError(verb string, reason int32, err error) *Error {
	return &Error{Verb: verb, CompCode: CCFailed, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: MQCC = %s [%d] MQRC = %s [%d]",
		e.Verb, compCodeName(e.CompCode), e.CompCode, ReasonName(e.Reason), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the reason code of a queue manager fault, or RCNone.
func ReasonOf(err error) int32 {
	var mqErr *Error
	if errors.As(err, &mqErr) {
		return mqErr.Reason
	}
	return RCNone
}

// IsNoMessage reports whether err signals that no matching message is available.
func IsNoMessage(err error) bool {
	return ReasonOf(err) == RCNoMsgAvailable
}

// IsConnectionBroken reports whether err means the connection handle is no longer usable.
func IsConnectionBroken(err error) bool {
	switch ReasonOf(err) {
	case RCHconnError, RCConnectionBroken, RCQMgrNotAvailable, RCQMgrQuiescing:
		return true
	}
	return false
}

func compCodeName(cc int32) string {
	switch cc {
	case CCOK:
		return "MQCC_OK"
	case CCWarning:
		return "MQCC_WARNING"
	default:
		return "MQCC_FAILED"
	}
}

var reasonNames = map[int32]string{
	RCNone:               "MQRC_NONE",
	RCConnectionBroken:   "MQRC_CONNECTION_BROKEN",
	RCHandleNotAvailable: "MQRC_HANDLE_NOT_AVAILABLE",
	RCHconnError:         "MQRC_HCONN_ERROR",
	RCHobjError:          "MQRC_HOBJ_ERROR",
	RCNoMsgAvailable:     "MQRC_NO_MSG_AVAILABLE",
	RCNotAuthorized:      "MQRC_NOT_AUTHORIZED",
	RCNotOpenForBrowse:   "MQRC_NOT_OPEN_FOR_BROWSE",
	RCNotOpenForInput:    "MQRC_NOT_OPEN_FOR_INPUT",
	RCNotOpenForOutput:   "MQRC_NOT_OPEN_FOR_OUTPUT",
	RCQMgrNameError:      "MQRC_Q_MGR_NAME_ERROR",
	RCQMgrNotAvailable:   "MQRC_Q_MGR_NOT_AVAILABLE",
	RCTruncatedMsgFailed: "MQRC_TRUNCATED_MSG_FAILED",
	RCUnknownObjectName:  "MQRC_UNKNOWN_OBJECT_NAME",
	RCQMgrQuiescing:      "MQRC_Q_MGR_QUIESCING",
	RCResourceProblem:    "MQRC_RESOURCE_PROBLEM",
	RCUnexpectedError:    "MQRC_UNEXPECTED_ERROR",
}

// ReasonName returns the symbolic name of a reason code.
func ReasonName(rc int32) string {
	if name, ok := reasonNames[rc]; ok {
		return name
	}
	return fmt.Sprintf("MQRC_%d", rc)
}
