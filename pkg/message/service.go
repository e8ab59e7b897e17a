package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// JSContext is the subset of JetStream the service uses, so tests can run
// without a server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription is the subset of a pull subscription the service uses.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to JSContext.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

// ServiceConfig configures a MessageService.
type ServiceConfig struct {
	RequestStream  string
	RequestSubject string
	ResultStream   string
	ResultSubject  string

	// MaxDeliver bounds redelivery of a request (default 5)
	MaxDeliver int
	// AckWait is how long JetStream waits for an ack before redelivering (default 30s)
	AckWait time.Duration
	// PublishMaxRetries bounds result publish attempts (default 3)
	PublishMaxRetries int
	// RetryInterval is the first delay between result publish attempts (default 1s)
	RetryInterval time.Duration
	// FetchTimeout bounds a single pull when the context has no earlier deadline (default 3s)
	FetchTimeout time.Duration

	Logger *zap.Logger
}

func (c *ServiceConfig) applyDefaults() {
	if c.RequestStream == "" {
		c.RequestStream = "EXECUTIONS"
	}
	if c.RequestSubject == "" {
		c.RequestSubject = "daedalus.execution.request"
	}
	if c.ResultStream == "" {
		c.ResultStream = "EXECUTION_RESULTS"
	}
	if c.ResultSubject == "" {
		c.ResultSubject = "daedalus.execution.result"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.PublishMaxRetries <= 0 {
		c.PublishMaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// MessageService publishes execution requests and results over JetStream and
// pulls requests for workers. Requests are never acked by the service; the
// caller settles each one.
type MessageService struct {
	js     JSContext
	config ServiceConfig
	logger *zap.Logger
}

// NewMessageService creates a service over js.
func NewMessageService(js JSContext, config ServiceConfig) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	config.applyDefaults()
	return &MessageService{js: js, config: config, logger: config.Logger}, nil
}

// Config returns the effective configuration.
func (s *MessageService) Config() ServiceConfig {
	return s.config
}

// EnsureStream creates a stream over subjects when it does not exist.
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	info, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	if len(subjects) == 0 {
		subjects = []string{streamName + ".>"}
	}
	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", subjects),
		zap.Duration("max_age", streamConfig.MaxAge))
	return nil
}

// EnsureConsumer creates a durable pull consumer when it does not exist.
func (s *MessageService) EnsureConsumer(streamName, consumerName string) error {
	info, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", info.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       s.config.AckWait,
		MaxAckPending: 1000,
		MaxDeliver:    s.config.MaxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.config.MaxDeliver))
	return nil
}

// EnsureTopology creates the request and result streams and, when consumer is
// non-empty, the worker's durable consumer.
func (s *MessageService) EnsureTopology(consumer string) error {
	if err := s.EnsureStream(s.config.RequestStream, s.config.RequestSubject); err != nil {
		return sdkerrors.NewInternalError("failed to ensure request stream", "STREAM_ENSURE_FAILED", err)
	}
	if err := s.EnsureStream(s.config.ResultStream, s.config.ResultSubject); err != nil {
		return sdkerrors.NewInternalError("failed to ensure result stream", "STREAM_ENSURE_FAILED", err)
	}
	if consumer == "" {
		return nil
	}
	if err := s.EnsureConsumer(s.config.RequestStream, consumer); err != nil {
		return sdkerrors.NewInternalError("failed to ensure consumer", "CONSUMER_ENSURE_FAILED", err)
	}
	return nil
}

// Publish publishes raw data on subject, honoring ctx while the publish is in flight.
func (s *MessageService) Publish(ctx context.Context, subject string, data []byte, opts ...nats.PubOpt) error {
	if subject == "" {
		return sdkerrors.NewValidationError("subject", "subject cannot be empty")
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data, opts...)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("failed to publish message to JetStream", "PUBLISH_FAILED", err)
		}
		return nil
	}
}

// PublishRequest queues an execution request for the workers. The execution id
// is the JetStream message id, so a duplicate publish is dropped by the stream.
func (s *MessageService) PublishRequest(ctx context.Context, req *ExecutionRequest) error {
	if req == nil {
		return sdkerrors.NewValidationError("request", "execution request cannot be nil")
	}
	if err := req.Validate(); err != nil {
		return sdkerrors.WrapValidation("request", err.Error(), err)
	}

	data, err := req.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal execution request", "MARSHAL_FAILED", err)
	}

	if err := s.Publish(ctx, s.config.RequestSubject, data, nats.MsgId(req.ExecutionID)); err != nil {
		s.logger.Error("Failed to publish execution request",
			zap.String("execution_id", req.ExecutionID),
			zap.String("node_id", req.Node.ID),
			zap.Error(err))
		return err
	}

	s.logger.Debug("Published execution request",
		zap.String("execution_id", req.ExecutionID),
		zap.String("node_id", req.Node.ID),
		zap.String("node_type", string(req.Node.Type)))
	return nil
}

// PullRequests fetches up to batchSize requests from the consumer. An empty
// slice means nothing arrived within the fetch window. Undecodable messages are
// terminated so they are not redelivered.
func (s *MessageService) PullRequests(ctx context.Context, consumer string, batchSize int) ([]*ExecutionRequest, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		reqs []*ExecutionRequest
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(s.config.RequestStream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := s.config.FetchTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				resultCh <- result{reqs: []*ExecutionRequest{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		reqs := make([]*ExecutionRequest, 0, len(msgs))
		for _, msg := range msgs {
			req, err := RequestFromNATSMsg(msg)
			if err != nil {
				s.logger.Warn("Terminating undecodable execution request",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				_ = msg.Term()
				continue
			}
			reqs = append(reqs, req)
		}
		resultCh <- result{reqs: reqs}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull execution requests",
				zap.String("stream", s.config.RequestStream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.reqs, nil
	}
}

// PublishResult publishes an execution result, retrying with exponential backoff.
func (s *MessageService) PublishResult(ctx context.Context, res *ExecutionResult) error {
	if res == nil {
		return sdkerrors.NewValidationError("result", "execution result cannot be nil")
	}

	data, err := res.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal execution result", "MARSHAL_FAILED", err)
	}

	_, err = backoff.Retry(ctx, func() (*nats.PubAck, error) {
		return s.js.Publish(s.config.ResultSubject, data)
	},
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     s.config.RetryInterval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         backoff.DefaultMaxInterval,
		}),
		backoff.WithMaxTries(uint(s.config.PublishMaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("Failed to publish result, retrying",
				zap.String("execution_id", res.ExecutionID),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("execution_id", res.ExecutionID),
			zap.String("node_id", res.NodeID),
			zap.Int("attempts", s.config.PublishMaxRetries),
			zap.Error(err))
		return sdkerrors.NewInternalError("failed to publish result after retries", "PUBLISH_FAILED", err)
	}

	s.logger.Debug("Published execution result",
		zap.String("execution_id", res.ExecutionID),
		zap.String("node_id", res.NodeID),
		zap.String("status", res.Status))
	return nil
}
