package mq

// OpenMode selects how a queue is opened.
type OpenMode int

const (
	// OpenBrowse opens the queue for non-destructive enumeration.
	OpenBrowse OpenMode = iota + 1
	// OpenConsume opens the queue for destructive reads (input as queue default).
	OpenConsume
	// OpenInsert opens the queue for output only.
	OpenInsert
)

func (m OpenMode) String() string {
	switch m {
	case OpenBrowse:
		return "BROWSE"
	case OpenConsume:
		return "CONSUME"
	case OpenInsert:
		return "INSERT"
	default:
		return "UNKNOWN"
	}
}

// GetOption flags (MQGMO_*).
type GetOption int32

const (
	GMOWait            GetOption = 0x00000001
	GMONoWait          GetOption = 0x00000000
	GMOBrowseFirst     GetOption = 0x00000010
	GMOBrowseNext      GetOption = 0x00000020
	GMONoSyncpoint     GetOption = 0x00000004
	GMOFailIfQuiescing GetOption = 0x00002000
	GMOConvert         GetOption = 0x00004000
)

// MatchOption flags (MQMO_*).
type MatchOption int32

const (
	MONone          MatchOption = 0x00000000
	MOMatchMsgID    MatchOption = 0x00000001
	MOMatchCorrelID MatchOption = 0x00000002
)

// PutOption flags (MQPMO_*).
type PutOption int32

const (
	PMONoSyncpoint     PutOption = 0x00000004
	PMONewMsgID        PutOption = 0x00000040
	PMONewCorrelID     PutOption = 0x00000080
	PMOFailIfQuiescing PutOption = 0x00002000
)

// Persistence classes (MQPER_*).
type Persistence int32

const (
	NotPersistent  Persistence = 0
	Persistent     Persistence = 1
	AsQueueDefault Persistence = 2
)

func (p Persistence) String() string {
	switch p {
	case NotPersistent:
		return "nonPersistent"
	case Persistent:
		return "persistent"
	default:
		return "asQueueDefault"
	}
}

// Completion codes (MQCC_*).
const (
	CCOK      int32 = 0
	CCWarning int32 = 1
	CCFailed  int32 = 2
)

// Reason codes (MQRC_*) used by the backends.
const (
	RCNone               int32 = 0
	RCConnectionBroken   int32 = 2009
	RCHandleNotAvailable int32 = 2017
	RCHconnError         int32 = 2018
	RCHobjError          int32 = 2019
	RCNoMsgAvailable     int32 = 2033
	RCNotOpenForBrowse   int32 = 2036
	RCNotOpenForInput    int32 = 2037
	RCNotOpenForOutput   int32 = 2039
	RCQMgrNameError      int32 = 2058
	RCQMgrNotAvailable   int32 = 2059
	RCTruncatedMsgFailed int32 = 2080
	RCUnknownObjectName  int32 = 2085
	RCResourceProblem    int32 = 2102
	RCQMgrQuiescing      int32 = 2162
	RCNotAuthorized      int32 = 2035
	RCUnexpectedError    int32 = 2195
)

// FormatString is the format tag of text messages; anything else is opaque bytes.
const FormatString = "MQSTR"

// FormatNone marks a message without a format.
const FormatNone = ""

// IDLength is the fixed size of message and correlation identifiers.
const IDLength = 24

// ExpiryUnlimited is the expiry of messages that never expire.
const ExpiryUnlimited int32 = -1

// MaxMessageLength bounds the get buffer.
const MaxMessageLength = 256000
