package room

import (
	"context"

	"CollabProject/logger"
	"CollabProject/service/natsx"
)

// Relay bridges the in-process hub across gateway nodes over NATS. Every
// locally published event goes out on collab.room.<document_id>; events
// arriving from other nodes are injected into the local hub. Events keep
// their Origin stamp so a node never re-applies its own publishes.

const (
	BizRoomEvents    = "room_events"
	roomEventSubject = "collab.room.%s"
	roomEventFilter  = "collab.room.>"
)

type Relay struct {
	hub *Hub
	nm  *natsx.NatsManager
}

// StartRelay wires the hub tap and the NATS subscription. Queue stays empty
// on the subscription: every node wants every event (broadcast fan-in).
func StartRelay(hub *Hub, nm *natsx.NatsManager) (*Relay, error) {
	r := &Relay{hub: hub, nm: nm}

	if err := nm.RegisterRoute(natsx.NatsxRoute{
		Biz:     BizRoomEvents,
		Subject: roomEventSubject,
	}); err != nil {
		return nil, err
	}
	// separate route for the wildcard consumer side
	if err := nm.RegisterRoute(natsx.NatsxRoute{
		Biz:     BizRoomEvents + "_in",
		Subject: roomEventFilter,
	}); err != nil {
		return nil, err
	}

	hub.Tap(r.forward)

	if err := nm.Subscribe(BizRoomEvents+"_in", r.receive); err != nil {
		return nil, err
	}
	return r, nil
}

// forward runs inside the hub's publish path; keep it cheap and never fail
// the publisher. NATS preserves per-connection ordering, so the room order
// survives the wire.
func (r *Relay) forward(ev *Event) {
	data, err := EncodeEvent(ev)
	if err != nil {
		logger.Errorf("[relay] encode kind=%s doc=%s: %v", ev.Kind, ev.DocumentID, err)
		return
	}
	if err := r.nm.Publish(context.Background(), BizRoomEvents, data, nil, ev.DocumentID); err != nil {
		logger.Warnf("[relay] publish doc=%s: %v", ev.DocumentID, err)
	}
}

func (r *Relay) receive(ctx context.Context, msg natsx.NatsxMessage) error {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		logger.Warnf("[relay] bad event on %s: %v", msg.Subject, err)
		return nil // poison message, don't redeliver
	}
	if ev.Origin == r.hub.NodeID() {
		return nil // our own publish coming back around
	}
	r.hub.Inject(ev)
	return nil
}
