// Package sqsqm maps the queue manager protocol onto AWS SQS.
//
// Descriptors travel as message attributes. Browsing is emulated by leasing: a browsed
// message is received with a visibility timeout, which hides it from the next receive, and
// made visible again when the handle closes or a new browse starts. SQS standard queues do
// not guarantee order, so browse order is best effort.
package sqsqm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/mq"
)

// sqsClient defines the interface for SQS operations
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// maxWaitSeconds is the SQS long polling limit.
const maxWaitSeconds = 20

// Config holds SQS-specific configuration
type Config struct {
	Region            string
	Endpoint          string        // custom endpoint, e.g. LocalStack; derived from host and port when empty
	VisibilityTimeout int32         // lease held by a browse, in seconds
	PollInterval      time.Duration // receive interval for waits shorter than a second
}

// Dialer implements mq.Dialer for SQS.
type Dialer struct {
	cfg Config
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config) *Dialer {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Dialer{cfg: cfg}
}

// Endpoint returns the SQS endpoint used for params, or "" for the regional default.
func (d *Dialer) Endpoint(params mq.ConnectParams) string {
	if d.cfg.Endpoint != "" {
		return d.cfg.Endpoint
	}
	if params.Host == "" {
		return ""
	}
	if params.Port == 0 {
		return "http://" + params.Host
	}
	return fmt.Sprintf("http://%s:%d", params.Host, params.Port)
}

// Dial implements mq.Dialer. The user and password of params, when set, are used as a
// static access key pair; otherwise the default credential chain applies.
func (d *Dialer) Dial(ctx context.Context, params mq.ConnectParams) (mq.Conn, error) {
	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(d.cfg.Region),
	}
	if params.UserID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.UserID, params.Password, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, mq.NewError("MQCONNX", mq.RCQMgrNotAvailable, fmt.Errorf("failed to load AWS config: %w", err))
	}

	endpoint := d.Endpoint(params)
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	slog.Info("SQS client configured", "region", d.cfg.Region, "endpoint", endpoint)
	return newConn(client, d.cfg, endpoint), nil
}

type conn struct {
	client  sqsClient
	cfg     Config
	baseURL string

	mu            sync.Mutex
	queueURLCache map[string]string
	disconnected  bool
}

func newConn(client sqsClient, cfg Config, baseURL string) *conn {
	return &conn{
		client:        client,
		cfg:           cfg,
		baseURL:       baseURL,
		queueURLCache: make(map[string]string),
	}
}

// resolveQueueURL resolves the full queue URL from queue name using GetQueueUrl API
func (c *conn) resolveQueueURL(ctx context.Context, queueName string) (string, error) {
	c.mu.Lock()
	url, ok := c.queueURLCache[queueName]
	c.mu.Unlock()
	if ok {
		return url, nil
	}

	result, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queueName, err)
	}

	originalURL := aws.ToString(result.QueueUrl)
	queueURL := originalURL

	// LocalStack returns virtual-host style URLs that don't resolve inside container
	// networks; rebuild them on the configured endpoint.
	if c.baseURL != "" {
		parts := strings.Split(queueURL, "/")
		if len(parts) >= 5 {
			accountID := parts[len(parts)-2]
			queue := parts[len(parts)-1]
			queueURL = fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.baseURL, "/"), accountID, queue)
			slog.Debug("Reconstructed SQS queue URL", "queue", queueName, "originalURL", originalURL, "queueURL", queueURL)
		} else {
			slog.Warn("Unable to reconstruct URL - insufficient parts", "queue", queueName, "originalURL", originalURL)
		}
	}

	c.mu.Lock()
	c.queueURLCache[queueName] = queueURL
	c.mu.Unlock()
	return queueURL, nil
}

func (c *conn) Open(ctx context.Context, queueName string, mode mq.OpenMode) (mq.Queue, error) {
	c.mu.Lock()
	disconnected := c.disconnected
	c.mu.Unlock()
	if disconnected {
		return nil, mq.NewError("MQOPEN", mq.RCHconnError, nil)
	}

	queueURL, err := c.resolveQueueURL(ctx, queueName)
	if err != nil {
		return nil, classify("MQOPEN", err)
	}
	return &handle{
		client:     c.client,
		name:       queueName,
		url:        queueURL,
		mode:       mode,
		visibility: c.cfg.VisibilityTimeout,
		poll:       c.cfg.PollInterval,
	}, nil
}

func (c *conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return mq.NewError("MQDISC", mq.RCHconnError, nil)
	}
	c.disconnected = true
	return nil
}

type handle struct {
	client     sqsClient
	name       string
	url        string
	mode       mq.OpenMode
	visibility int32
	poll       time.Duration
	leased     []string // receipt handles held by a browse
	closed     bool
}

func (h *handle) Get(ctx context.Context, md *mq.MessageDescriptor, gmo *mq.GetMessageOptions, buf []byte) (n int, err error) {
	if h.closed {
		return 0, mq.NewError("MQGET", mq.RCHobjError, nil)
	}

	browse := gmo.Has(mq.GMOBrowseFirst) || gmo.Has(mq.GMOBrowseNext)
	switch {
	case browse && h.mode != mq.OpenBrowse:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForBrowse, nil)
	case !browse && h.mode != mq.OpenConsume:
		return 0, mq.NewError("MQGET", mq.RCNotOpenForInput, nil)
	}

	if browse && gmo.Has(mq.GMOBrowseFirst) {
		if err := h.release(ctx, h.leased); err != nil {
			return 0, classify("MQGET", err)
		}
		h.leased = nil
	}

	var skipped []string
	if !browse {
		defer func() {
			if rerr := h.release(ctx, skipped); rerr != nil && err == nil {
				err = classify("MQGET", rerr)
			}
		}()
	}

	var deadline time.Time
	if gmo.Has(mq.GMOWait) && gmo.WaitInterval > 0 {
		deadline = time.Now().Add(gmo.WaitInterval)
	}

	for {
		wait := waitSeconds(time.Until(deadline))
		resp, err := h.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(h.url),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       wait,
			VisibilityTimeout:     h.visibility,
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			return 0, classify("MQGET", err)
		}

		if len(resp.Messages) == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, mq.NewError("MQGET", mq.RCNoMsgAvailable, nil)
			}
			if wait == 0 {
				if err := sleep(ctx, min(remaining, h.poll)); err != nil {
					return 0, mq.NewError("MQGET", mq.RCUnexpectedError, err)
				}
			}
			continue
		}

		msg := resp.Messages[0]
		receipt := aws.ToString(msg.ReceiptHandle)

		got, err := decode(msg)
		if err != nil {
			_ = h.release(ctx, []string{receipt})
			return 0, mq.NewError("MQGET", mq.RCUnexpectedError, err)
		}
		if got.expired(time.Now()) {
			slog.Debug("Discarding expired message", "queue", h.name, "msgId", mq.BytesToHex(got.md.MsgID))
			if err := h.delete(ctx, receipt); err != nil {
				return 0, classify("MQGET", err)
			}
			continue
		}

		if !mq.Matches(gmo, md, got.md.MsgID, got.md.CorrelID) {
			if browse {
				h.leased = append(h.leased, receipt)
			} else {
				skipped = append(skipped, receipt)
			}
			continue
		}

		if len(got.body) > len(buf) {
			_ = h.release(ctx, []string{receipt})
			return 0, mq.NewError("MQGET", mq.RCTruncatedMsgFailed,
				fmt.Errorf("message length %d exceeds buffer %d", len(got.body), len(buf)))
		}

		if browse {
			h.leased = append(h.leased, receipt)
		} else if err := h.delete(ctx, receipt); err != nil {
			return 0, classify("MQGET", err)
		}

		*md = got.md
		return copy(buf, got.body), nil
	}
}

func (h *handle) Put(ctx context.Context, md *mq.MessageDescriptor, pmo *mq.PutMessageOptions, body []byte) error {
	if h.closed {
		return mq.NewError("MQPUT", mq.RCHobjError, nil)
	}
	if h.mode != mq.OpenInsert {
		return mq.NewError("MQPUT", mq.RCNotOpenForOutput, nil)
	}

	if pmo.Has(mq.PMONewMsgID) || mq.IsZeroID(md.MsgID) {
		md.MsgID = mq.NewMessageID()
	}
	if pmo.Has(mq.PMONewCorrelID) {
		md.CorrelID = mq.NewMessageID()
	}
	md.PutTime = time.Now()

	messageBody, attrs := encode(md, body)
	_, err := h.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(h.url),
		MessageBody:       aws.String(messageBody),
		MessageAttributes: attrs,
	})
	if err != nil {
		return classify("MQPUT", fmt.Errorf("failed to send to SQS: %w", err))
	}
	return nil
}

func (h *handle) Close(ctx context.Context) error {
	if h.closed {
		return mq.NewError("MQCLOSE", mq.RCHobjError, nil)
	}
	h.closed = true

	err := h.release(ctx, h.leased)
	h.leased = nil
	if err != nil {
		return classify("MQCLOSE", err)
	}
	return nil
}

// release makes leased messages visible again.
func (h *handle) release(ctx context.Context, receipts []string) error {
	var result *multierror.Error
	for _, receipt := range receipts {
		_, err := h.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(h.url),
			ReceiptHandle:     aws.String(receipt),
			VisibilityTimeout: 0,
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to release message: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (h *handle) delete(ctx context.Context, receipt string) error {
	_, err := h.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(h.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func waitSeconds(remaining time.Duration) int32 {
	if remaining < time.Second {
		return 0
	}
	return int32(min(remaining/time.Second, maxWaitSeconds))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify maps SQS API errors onto reason codes.
func classify(verb string, err error) *mq.Error {
	var mqErr *mq.Error
	if errors.As(err, &mqErr) {
		return mqErr
	}

	reason := mq.RCUnexpectedError
	var missing *types.QueueDoesNotExist
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &missing):
		reason = mq.RCUnknownObjectName
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			reason = mq.RCUnknownObjectName
		case "AccessDenied", "AccessDeniedException", "InvalidClientTokenId", "SignatureDoesNotMatch":
			reason = mq.RCNotAuthorized
		case "RequestThrottled", "ThrottlingException":
			reason = mq.RCResourceProblem
		case "ServiceUnavailable":
			reason = mq.RCQMgrNotAvailable
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		reason = mq.RCUnexpectedError
	default:
		reason = mq.RCConnectionBroken
	}
	return mq.NewError(verb, reason, err)
}
