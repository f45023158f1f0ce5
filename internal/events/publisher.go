package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is one instance lifecycle notification.
type Event struct {
	Event    string `json:"event"`
	Owner    string `json:"owner"`
	Instance string `json:"instance"`
	Variant  string `json:"variant,omitempty"`
	Time     int64  `json:"time"`
}

const (
	SubjectProvisioned = "instances.provisioned"
	SubjectStarted     = "instances.started"
	SubjectStopped     = "instances.stopped"
	SubjectRemoved     = "instances.removed"
)

// Publisher emits lifecycle events over NATS. Publish failures are reported
// to the caller but never abort the operation that produced the event.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("discord-vps-creator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, log: log}, nil
}

// Publish sends the event on the subject. A nil Publisher discards events so
// the daemon can run without a broker.
func (p *Publisher) Publish(ctx context.Context, subject string, ev Event) {
	if p == nil {
		return
	}
	ev.Time = time.Now().Unix()
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, payload); err != nil {
		p.log.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
