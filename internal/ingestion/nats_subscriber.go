package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/observability"
	"SwapLedger/internal/order"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Processor executes commands; *core.Exchange implements it.
type Processor interface {
	ProcessCommand(ctx context.Context, cmd *core.Command) (*core.Result, error)
}

const (
	CommandStream   = "SWAP_COMMANDS"
	CommandConsumer = "swapledger-commands"
	rpcQueueGroup   = "swapledger"
)

// CommandSubscriber feeds commands from NATS into the exchange.
//
// Two surfaces share one handler: a durable JetStream consumer on
// swap.commands.> (fire and forget, at-least-once; the request id makes
// redelivery harmless) and a core NATS queue subscription on swap.rpc.>
// whose replies carry the command's Result.
type CommandSubscriber struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	proc    Processor
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger

	consumer jetstream.ConsumeContext
	rpc      *nats.Subscription
}

func NewCommandSubscriber(nc *nats.Conn, js jetstream.JetStream, proc Processor, timeout time.Duration,
	metrics *observability.Metrics, logger zerolog.Logger) *CommandSubscriber {
	return &CommandSubscriber{
		nc:      nc,
		js:      js,
		proc:    proc,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe starts both surfaces. Consumers use explicit ACK,
// max_deliver=5 and ack_wait=30s.
func (cs *CommandSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := cs.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumer, err)
	}

	cs.consumer, err = consumer.Consume(func(msg jetstream.Msg) {
		cs.handleStream(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumer, err)
	}
	cs.logger.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", CommandConsumer).Msg("subscribed")

	cs.rpc, err = cs.nc.QueueSubscribe(RPCSubjectPrefix+"*", rpcQueueGroup, func(msg *nats.Msg) {
		cs.handleRPC(ctx, msg)
	})
	if err != nil {
		cs.consumer.Stop()
		return fmt.Errorf("subscribe %s*: %w", RPCSubjectPrefix, err)
	}
	cs.logger.Info().Str("subject", RPCSubjectPrefix+"*").Str("queue", rpcQueueGroup).Msg("subscribed")
	return nil
}

func (cs *CommandSubscriber) handleStream(ctx context.Context, msg jetstream.Msg) {
	res, err := cs.dispatch(ctx, msg.Subject(), msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			cs.logger.Warn().Err(ackErr).Str("request_id", res.RequestID).Msg("ack failed")
		}
	case errors.Is(err, order.ErrInvalidParameters):
		// Malformed input never parses on redelivery
		_ = msg.Term()
	default:
		_ = msg.Nak()
	}
}

func (cs *CommandSubscriber) handleRPC(ctx context.Context, msg *nats.Msg) {
	res, err := cs.dispatch(ctx, msg.Subject, msg.Data)
	if res == nil {
		res = &core.Result{ErrorKind: order.KindOf(err), Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		cs.logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		cs.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("respond failed")
	}
}

// dispatch parses and executes one message. A non-nil error means the
// command did not reach a stored outcome: either it never parsed, or the
// exchange asked for a retry. Domain rejections come back inside the Result.
func (cs *CommandSubscriber) dispatch(ctx context.Context, subject string, data []byte) (*core.Result, error) {
	start := time.Now()

	cmd, err := ParseCommand(subject, data)
	if err != nil {
		cs.reject("parse", err)
		cs.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed command")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cs.timeout)
	defer cancel()

	res, err := cs.proc.ProcessCommand(ctx, cmd)
	if err != nil {
		cs.reject("process", err)
		cs.logger.Error().Err(err).Str("request_id", cmd.RequestID).Msg("command failed")
		return nil, err
	}
	if res.ErrorKind == order.KindOf(order.ErrLedgerFailure) {
		// Not cached by the exchange, so a redelivery may still succeed
		return res, order.FromKind(res.ErrorKind, res.Error)
	}

	if cs.metrics != nil {
		cs.metrics.IngestToApply.WithLabelValues(string(cmd.Type)).Observe(time.Since(start).Seconds())
	}
	cs.logger.Debug().
		Str("request_id", cmd.RequestID).
		Str("type", string(cmd.Type)).
		Str("outcome", res.ErrorKind).
		Msg("command processed")
	return res, nil
}

func (cs *CommandSubscriber) reject(stage string, err error) {
	if cs.metrics != nil {
		cs.metrics.IngestRejected.WithLabelValues(stage + ":" + order.KindOf(err)).Inc()
	}
}

// Stop drains both subscriptions.
func (cs *CommandSubscriber) Stop() {
	if cs.consumer != nil {
		cs.consumer.Stop()
	}
	if cs.rpc != nil {
		_ = cs.rpc.Drain()
	}
	cs.logger.Info().Msg("command subscribers stopped")
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{CommandSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("swapledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
