package natsx

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsxProducer publish side.
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish sends by biz route. subjectArgs are fmt'd into the route's subject
// when it contains verbs (e.g. "collab.room.%s").
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string, subjectArgs ...any) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	subject := r.Subject
	if len(subjectArgs) > 0 {
		subject = fmt.Sprintf(r.Subject, subjectArgs...)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	return p.c.nc.PublishMsg(msg)
}
