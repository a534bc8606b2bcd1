package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/and161185/docservice/internal/errs"
	"github.com/and161185/docservice/internal/model"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	Servers         []string
	Name            string
	Prefix          string // subject prefix, default "docs"
	Durable         string // durable consumer of the result stream
	ReconnectWait   time.Duration
	Timeout         time.Duration
	AckWait         time.Duration
	MaxAckPending   int
	PublishAsyncMax int
}

// NATS is a TaskQueue and Consumer on top of NATS JetStream.
type NATS struct {
	cfg NATSConfig
	log *zap.Logger
	nc  *nats.Conn
	js  nats.JetStreamContext

	closed atomic.Bool
}

// notBeforeHeader carries the unix milliseconds before which a delayed result is not handled.
const notBeforeHeader = "Docs-Not-Before"

var (
	_ TaskQueue = (*NATS)(nil)
	_ Consumer  = (*NATS)(nil)
)

func (c *NATSConfig) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = "docs"
	}
	if c.Name == "" {
		c.Name = "docservice"
	}
	if c.Durable == "" {
		c.Durable = "docservice-results"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.AckWait == 0 {
		c.AckWait = 60 * time.Second
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = 1024
	}
	if c.PublishAsyncMax == 0 {
		c.PublishAsyncMax = 4096
	}
}

// TaskSubject is the subject workers consume for priority p.
func TaskSubject(prefix string, p model.Priority) string {
	return prefix + ".tasks." + strconv.Itoa(int(p))
}

// ResultSubject is the subject the orchestrator consumes.
func ResultSubject(prefix string) string {
	return prefix + ".results"
}

// StreamName derives the JetStream stream name from the subject prefix.
func StreamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(prefix))
}

// DialNATS connects, opens JetStream and makes sure the stream exists.
func DialNATS(cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("validation: nats servers missing")
	}
	cfg.withDefaults()
	log = log.With(zap.String("component", "queue"))
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(cfg.PublishAsyncMax))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	q := &NATS{cfg: cfg, log: log, nc: nc, js: js}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *NATS) ensureStream() error {
	name := StreamName(q.cfg.Prefix)
	if _, err := q.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{q.cfg.Prefix + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

func (q *NATS) publish(ctx context.Context, subject string, task *model.TaskQueueData, notBefore time.Time) error {
	if q.closed.Load() {
		return errs.ErrShutdown
	}
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = b
	msg.Header.Set("Docs-Tenant", task.Ctx.Tenant)
	msg.Header.Set("Docs-Command", task.Cmd.Name)
	if !notBefore.IsZero() {
		msg.Header.Set(notBeforeHeader, strconv.FormatInt(notBefore.UnixMilli(), 10))
	}
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// AddTask publishes task on the worker subject of priority.
func (q *NATS) AddTask(ctx context.Context, task *model.TaskQueueData, priority model.Priority) error {
	return q.publish(ctx, TaskSubject(q.cfg.Prefix, priority), task, time.Time{})
}

// AddDelayed stores task on the result subject right away, stamped with the time
// it becomes due. The consumer holds it back until then, so a pending retry
// outlives a restart of the process.
func (q *NATS) AddDelayed(ctx context.Context, task *model.TaskQueueData, delay time.Duration) error {
	return q.publish(ctx, ResultSubject(q.cfg.Prefix), task, time.Now().Add(delay))
}

// notYetDue returns how long m must still wait, or zero when it is due.
func notYetDue(m *nats.Msg, now time.Time) time.Duration {
	v := m.Header.Get(notBeforeHeader)
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	if wait := time.UnixMilli(ms).Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Consume subscribes to the result subject with manual acks until ctx is done.
func (q *NATS) Consume(ctx context.Context, h Handler) error {
	sub, err := q.js.Subscribe(ResultSubject(q.cfg.Prefix), func(m *nats.Msg) {
		if wait := notYetDue(m, time.Now()); wait > 0 {
			_ = m.NakWithDelay(wait)
			return
		}
		if err := h(ctx, m.Data); err != nil {
			q.log.Warn("result handling failed", zap.String("subject", m.Subject), zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	},
		nats.ManualAck(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxAckPending(q.cfg.MaxAckPending),
		nats.Durable(q.cfg.Durable),
	)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	<-ctx.Done()
	return sub.Drain()
}

// Close refuses further publishes and drains the connection. Delayed results
// stay in the stream.
func (q *NATS) Close() error {
	q.closed.Store(true)
	return q.nc.Drain()
}
