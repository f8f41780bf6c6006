package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/resilience"
)

// Bus carries stage-dispatch messages between the API and worker
// processes. Each message is a self-describing envelope so consumers can
// route on the event name without decoding the payload first.
type Bus struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

type envelope struct {
	Name string               `json:"name"`
	ID   string               `json:"id"`
	TS   time.Time            `json:"ts"`
	Data domain.StageDispatch `json:"data"`
}

func New(url, subject string) (*Bus, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func NewWithOptions(url, subject string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("canvas-insight-ai"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishStageDispatch(ctx context.Context, dispatch domain.StageDispatch) error {
	payload, err := json.Marshal(envelope{
		Name: domain.EventName(dispatch.Stage, domain.PhaseDispatched),
		ID:   uuid.NewString(),
		TS:   time.Now().UTC(),
		Data: dispatch,
	})
	if err != nil {
		return fmt.Errorf("marshal stage dispatch: %w", err)
	}

	call := func(_ context.Context) error {
		if err := b.conn.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeStageDispatch blocks until ctx is cancelled. Workers join the
// "workers" queue group so a dispatch lands on exactly one subscriber.
func (b *Bus) SubscribeStageDispatch(ctx context.Context, handler func(context.Context, domain.StageDispatch) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("drop malformed stage dispatch: %v", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, env.Data); err != nil {
			log.Printf("worker handler error for job=%s stage=%s: %v", env.Data.JobID, env.Data.Stage, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
