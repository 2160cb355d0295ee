package sqsqm

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// mockSQSClient implements sqsClient interface for testing
type mockSQSClient struct {
	mock.Mock
}

func (m *mockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *mockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func (m *mockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *mockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *mockSQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueUrlOutput), args.Error(1)
}

const (
	testQueue = "dev-queue-1"
	testURL   = "http://sqs:4566/000000000000/dev-queue-1"
)

func testConfig() Config {
	return Config{VisibilityTimeout: 30, PollInterval: 2 * time.Millisecond}
}

func newTestHandle(client sqsClient, mode mq.OpenMode) *handle {
	return &handle{client: client, name: testQueue, url: testURL, mode: mode, visibility: 30, poll: 2 * time.Millisecond}
}

// sqsMessage builds a received message as the bridge itself would have sent it.
func sqsMessage(t *testing.T, receipt, body string, correlID []byte) types.Message {
	t.Helper()
	md := mq.NewMessageDescriptor()
	md.MsgID = mq.NewMessageID()
	md.Format = mq.FormatString
	if correlID != nil {
		md.CorrelID = correlID
	}
	md.PutTime = time.Now()
	encoded, attrs := encode(md, []byte(body))
	return types.Message{
		Body:              aws.String(encoded),
		ReceiptHandle:     aws.String(receipt),
		MessageAttributes: attrs,
	}
}

func received(msgs ...types.Message) *sqs.ReceiveMessageOutput {
	return &sqs.ReceiveMessageOutput{Messages: msgs}
}

func receiptIs(receipt string) any {
	return mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return aws.ToString(in.ReceiptHandle) == receipt && in.VisibilityTimeout == 0
	})
}

func deleteOf(receipt string) any {
	return mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == receipt
	})
}

func TestOpenResolvesAndCachesQueueURL(t *testing.T) {
	client := new(mockSQSClient)
	client.On("GetQueueUrl", mock.Anything, mock.MatchedBy(func(in *sqs.GetQueueUrlInput) bool {
		return aws.ToString(in.QueueName) == testQueue
	})).Return(&sqs.GetQueueUrlOutput{
		QueueUrl: aws.String("http://sqs.us-east-1.localhost.localstack.cloud:4566/000000000000/" + testQueue),
	}, nil).Once()

	c := newConn(client, testConfig(), "http://localstack:4566/")
	ctx := context.Background()

	q, err := c.Open(ctx, testQueue, mq.OpenBrowse)
	require.NoError(t, err)
	assert.Equal(t, "http://localstack:4566/000000000000/"+testQueue, q.(*handle).url)

	_, err = c.Open(ctx, testQueue, mq.OpenConsume)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestOpenUnknownQueue(t *testing.T) {
	client := new(mockSQSClient)
	client.On("GetQueueUrl", mock.Anything, mock.Anything).
		Return(nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")})

	c := newConn(client, testConfig(), "")
	_, err := c.Open(context.Background(), "missing", mq.OpenBrowse)

	assert.Equal(t, mq.RCUnknownObjectName, mq.ReasonOf(err))
}

func TestOpenAfterDisconnect(t *testing.T) {
	c := newConn(new(mockSQSClient), testConfig(), "")
	ctx := context.Background()

	require.NoError(t, c.Disconnect(ctx))
	_, err := c.Open(ctx, testQueue, mq.OpenBrowse)
	assert.Equal(t, mq.RCHconnError, mq.ReasonOf(err))
	assert.Equal(t, mq.RCHconnError, mq.ReasonOf(c.Disconnect(ctx)))
}

func TestBrowseLeasesUntilClose(t *testing.T) {
	client := new(mockSQSClient)
	m1 := sqsMessage(t, "r1", "first", nil)
	m2 := sqsMessage(t, "r2", "second", nil)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(m1), nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(m2), nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(), nil).Once()
	client.On("ChangeMessageVisibility", mock.Anything, receiptIs("r1")).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()
	client.On("ChangeMessageVisibility", mock.Anything, receiptIs("r2")).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	h := newTestHandle(client, mq.OpenBrowse)
	ctx := context.Background()
	buf := make([]byte, 64)

	md := mq.NewMessageDescriptor()
	n, err := h.Get(ctx, md, &mq.GetMessageOptions{Options: mq.GMOBrowseFirst}, buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))
	assert.Equal(t, mq.FormatString, md.Format)

	n, err = h.Get(ctx, mq.NewMessageDescriptor(), &mq.GetMessageOptions{Options: mq.GMOBrowseNext}, buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]))

	_, err = h.Get(ctx, mq.NewMessageDescriptor(), &mq.GetMessageOptions{Options: mq.GMOBrowseNext}, buf)
	assert.True(t, mq.IsNoMessage(err))

	require.NoError(t, h.Close(ctx))
	client.AssertExpectations(t)
	client.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)

	assert.Equal(t, mq.RCHobjError, mq.ReasonOf(h.Close(ctx)))
}

func TestReceiveRequest(t *testing.T) {
	client := new(mockSQSClient)
	var req *sqs.ReceiveMessageInput
	client.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { req = args.Get(1).(*sqs.ReceiveMessageInput) }).
		Return(received(), nil).Once()

	h := newTestHandle(client, mq.OpenConsume)
	_, err := h.Get(context.Background(), mq.NewMessageDescriptor(), &mq.GetMessageOptions{}, make([]byte, 8))
	require.True(t, mq.IsNoMessage(err))

	assert.Equal(t, testURL, aws.ToString(req.QueueUrl))
	assert.Equal(t, int32(1), req.MaxNumberOfMessages)
	assert.Equal(t, int32(0), req.WaitTimeSeconds)
	assert.Equal(t, int32(30), req.VisibilityTimeout)
	assert.Equal(t, []string{"All"}, req.MessageAttributeNames)
}

func TestConsumeDeletesMatchAndReleasesSkipped(t *testing.T) {
	correl := mq.NewMessageID()
	client := new(mockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(sqsMessage(t, "r1", "other", nil)), nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(sqsMessage(t, "r2", "wanted", correl)), nil).Once()
	client.On("DeleteMessage", mock.Anything, deleteOf("r2")).Return(&sqs.DeleteMessageOutput{}, nil).Once()
	client.On("ChangeMessageVisibility", mock.Anything, receiptIs("r1")).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	h := newTestHandle(client, mq.OpenConsume)
	md := mq.NewMessageDescriptor()
	md.CorrelID = correl
	buf := make([]byte, 16)

	n, err := h.Get(context.Background(), md, &mq.GetMessageOptions{MatchOptions: mq.MOMatchCorrelID}, buf)
	require.NoError(t, err)
	assert.Equal(t, "wanted", string(buf[:n]))
	assert.Equal(t, correl, md.CorrelID)
	client.AssertExpectations(t)
}

func TestExpiredMessagesAreDiscarded(t *testing.T) {
	md := mq.NewMessageDescriptor()
	md.Format = mq.FormatString
	md.Expiry = 1
	md.PutTime = time.Now().Add(-time.Minute)
	body, attrs := encode(md, []byte("stale"))
	stale := types.Message{Body: aws.String(body), ReceiptHandle: aws.String("old"), MessageAttributes: attrs}

	client := new(mockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(stale), nil).Once()
	client.On("DeleteMessage", mock.Anything, deleteOf("old")).Return(&sqs.DeleteMessageOutput{}, nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(), nil).Once()

	h := newTestHandle(client, mq.OpenBrowse)
	_, err := h.Get(context.Background(), mq.NewMessageDescriptor(), &mq.GetMessageOptions{Options: mq.GMOBrowseFirst}, make([]byte, 16))

	assert.True(t, mq.IsNoMessage(err))
	client.AssertExpectations(t)
}

func TestGetWaitPolls(t *testing.T) {
	client := new(mockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(), nil)

	h := newTestHandle(client, mq.OpenConsume)
	start := time.Now()
	_, err := h.Get(context.Background(), mq.NewMessageDescriptor(),
		&mq.GetMessageOptions{Options: mq.GMOWait, WaitInterval: 20 * time.Millisecond}, make([]byte, 8))

	assert.True(t, mq.IsNoMessage(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Greater(t, len(client.Calls), 1)
}

func TestWaitSeconds(t *testing.T) {
	assert.Equal(t, int32(0), waitSeconds(-time.Second))
	assert.Equal(t, int32(0), waitSeconds(500*time.Millisecond))
	assert.Equal(t, int32(3), waitSeconds(3500*time.Millisecond))
	assert.Equal(t, int32(20), waitSeconds(time.Hour))
}

func TestGetTruncatedReleases(t *testing.T) {
	client := new(mockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(received(sqsMessage(t, "big", "far too long", nil)), nil).Once()
	client.On("ChangeMessageVisibility", mock.Anything, receiptIs("big")).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	h := newTestHandle(client, mq.OpenConsume)
	_, err := h.Get(context.Background(), mq.NewMessageDescriptor(), &mq.GetMessageOptions{}, make([]byte, 4))

	assert.Equal(t, mq.RCTruncatedMsgFailed, mq.ReasonOf(err))
	client.AssertExpectations(t)
}

func TestModeChecks(t *testing.T) {
	client := new(mockSQSClient)
	ctx := context.Background()

	insert := newTestHandle(client, mq.OpenInsert)
	_, err := insert.Get(ctx, mq.NewMessageDescriptor(), &mq.GetMessageOptions{Options: mq.GMOBrowseFirst}, nil)
	assert.Equal(t, mq.RCNotOpenForBrowse, mq.ReasonOf(err))
	_, err = insert.Get(ctx, mq.NewMessageDescriptor(), &mq.GetMessageOptions{}, nil)
	assert.Equal(t, mq.RCNotOpenForInput, mq.ReasonOf(err))

	consume := newTestHandle(client, mq.OpenConsume)
	err = consume.Put(ctx, mq.NewMessageDescriptor(), &mq.PutMessageOptions{}, []byte("x"))
	assert.Equal(t, mq.RCNotOpenForOutput, mq.ReasonOf(err))

	client.AssertNotCalled(t, "ReceiveMessage", mock.Anything, mock.Anything)
}

func TestPutSendsAttributes(t *testing.T) {
	client := new(mockSQSClient)
	var sent *sqs.SendMessageInput
	client.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*sqs.SendMessageInput) }).
		Return(&sqs.SendMessageOutput{}, nil).Once()

	h := newTestHandle(client, mq.OpenInsert)
	md := mq.NewMessageDescriptor()
	md.Format = mq.FormatString
	md.Persistence = mq.Persistent
	md.Expiry = 50
	md.ReplyToQ = "reply"
	md.ReplyToQMgr = "QM2"

	err := h.Put(context.Background(), md, &mq.PutMessageOptions{Options: mq.PMONewMsgID | mq.PMONewCorrelID}, []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, testURL, aws.ToString(sent.QueueUrl))
	assert.Equal(t, "hello", aws.ToString(sent.MessageBody))
	assert.Equal(t, mq.BytesToHex(md.MsgID), attrValue(sent.MessageAttributes, attrMsgID))
	assert.Equal(t, mq.BytesToHex(md.CorrelID), attrValue(sent.MessageAttributes, attrCorrelID))
	assert.Equal(t, mq.FormatString, attrValue(sent.MessageAttributes, attrFormat))
	assert.Equal(t, "1", attrValue(sent.MessageAttributes, attrPersistence))
	assert.Equal(t, "50", attrValue(sent.MessageAttributes, attrExpiry))
	assert.Equal(t, "reply@QM2", attrValue(sent.MessageAttributes, attrReplyTo))
	assert.NotEmpty(t, attrValue(sent.MessageAttributes, attrExpiresAt))
}

func TestPutFailure(t *testing.T) {
	client := new(mockSQSClient)
	client.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"})

	h := newTestHandle(client, mq.OpenInsert)
	err := h.Put(context.Background(), mq.NewMessageDescriptor(), &mq.PutMessageOptions{}, []byte("x"))

	assert.Equal(t, mq.RCNotAuthorized, mq.ReasonOf(err))
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name         string
		format       string
		body         []byte
		wantEncoding string
	}{
		{name: "text", format: mq.FormatString, body: []byte("héllo"), wantEncoding: ""},
		{name: "binary", format: mq.FormatNone, body: []byte{0x00, 0xff, 0x10}, wantEncoding: encodingBase64},
		{name: "invalid utf8 text", format: mq.FormatString, body: []byte{0xc3, 0x28}, wantEncoding: encodingBase64},
		{name: "empty", format: mq.FormatString, body: []byte{}, wantEncoding: encodingEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := mq.NewMessageDescriptor()
			md.MsgID = mq.NewMessageID()
			md.Format = tt.format
			md.PutTime = time.UnixMilli(1700000000000)

			body, attrs := encode(md, tt.body)
			assert.NotEmpty(t, body)
			assert.Equal(t, tt.wantEncoding, attrValue(attrs, attrEncoding))

			got, err := decode(types.Message{
				Body:              aws.String(body),
				MessageAttributes: attrs,
				Attributes: map[string]string{
					string(types.MessageSystemAttributeNameSentTimestamp): strconv.FormatInt(md.PutTime.UnixMilli(), 10),
				},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.body, got.body)
			assert.Equal(t, md.MsgID, got.md.MsgID)
			assert.Equal(t, tt.format, got.md.Format)
			assert.Equal(t, mq.AsQueueDefault, got.md.Persistence)
			assert.Equal(t, mq.ExpiryUnlimited, got.md.Expiry)
			assert.True(t, got.expiresAt.IsZero())
			assert.True(t, md.PutTime.Equal(got.md.PutTime))
		})
	}
}

func TestDecodeForeignMessage(t *testing.T) {
	got, err := decode(types.Message{
		Body:      aws.String(`{"hello":"world"}`),
		MessageId: aws.String("7c1b5c1e-native-id"),
	})
	require.NoError(t, err)

	assert.Equal(t, mq.FormatString, got.md.Format)
	assert.Equal(t, []byte(`{"hello":"world"}`), got.body)
	assert.Len(t, got.md.MsgID, mq.IDLength)
	assert.Equal(t, "7c1b5c1e-native-id", string(got.md.MsgID[:18]))
	assert.True(t, mq.IsZeroID(got.md.CorrelID))
}

func TestDecodeInvalidBase64(t *testing.T) {
	_, err := decode(types.Message{
		Body:              aws.String("!!!"),
		MessageAttributes: map[string]types.MessageAttributeValue{attrEncoding: stringAttr(encodingBase64)},
	})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{name: "missing queue", err: &types.QueueDoesNotExist{}, want: mq.RCUnknownObjectName},
		{name: "legacy missing queue code", err: &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue"}, want: mq.RCUnknownObjectName},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: mq.RCNotAuthorized},
		{name: "throttled", err: &smithy.GenericAPIError{Code: "ThrottlingException"}, want: mq.RCResourceProblem},
		{name: "request throttled", err: &smithy.GenericAPIError{Code: "RequestThrottled"}, want: mq.RCResourceProblem},
		{name: "service unavailable", err: &smithy.GenericAPIError{Code: "ServiceUnavailable"}, want: mq.RCQMgrNotAvailable},
		{name: "deadline", err: context.DeadlineExceeded, want: mq.RCUnexpectedError},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: mq.RCConnectionBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("MQGET", tt.err)
			assert.Equal(t, tt.want, got.Reason)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestDialerEndpoint(t *testing.T) {
	assert.Equal(t, "http://custom:4566", NewDialer(Config{Endpoint: "http://custom:4566"}).Endpoint(mq.ConnectParams{Host: "ignored"}))
	assert.Equal(t, "http://localstack:4566", NewDialer(Config{}).Endpoint(mq.ConnectParams{Host: "localstack", Port: 4566}))
	assert.Equal(t, "", NewDialer(Config{}).Endpoint(mq.ConnectParams{}))
}
