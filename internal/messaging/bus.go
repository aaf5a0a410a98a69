package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

// Subjects are "liveAuction.<kind>.<auctionId>"
const subjectPrefix = "liveAuction"

// Stream names
const (
	BidStream    = "LIVE_AUCTION_BIDS"
	UpdateStream = "LIVE_AUCTION_UPDATES"
)

// Subject returns the bus subject for an event kind and auction
func Subject(kind models.EventKind, auctionID int64) string {
	return fmt.Sprintf("%s.%s.%d", subjectPrefix, kind, auctionID)
}

func wildcard(kind models.EventKind) string {
	return fmt.Sprintf("%s.%s.*", subjectPrefix, kind)
}

// Connect opens a NATS connection that keeps reconnecting
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}
	return conn, nil
}

// Binding is a live subscription that can be removed
type Binding interface {
	Unbind() error
}

// Bus is the live auction message bus.
//
// New bids go through a work-queue stream with one durable consumer per
// auction, so bids published while no node owns the auction wait for
// the next owner. High bid and auction ended events are published on
// core subjects for every node and retained by a limits stream for
// archival.
type Bus struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewBus creates the bus and ensures both streams exist
func NewBus(ctx context.Context, conn *nats.Conn) (*Bus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create JetStream context")
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        BidStream,
		Description: "Bid submissions awaiting the owning auctioneer",
		Subjects:    []string{wildcard(models.KindNewBid)},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create/update stream %s", BidStream)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        UpdateStream,
		Description: "High bid and auction ended events",
		Subjects:    []string{wildcard(models.KindHighBid), wildcard(models.KindAuctionEnded)},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create/update stream %s", UpdateStream)
	}

	log.WithFields(log.Fields{"bids": BidStream, "updates": UpdateStream}).Info("JetStream streams ready")
	return &Bus{conn: conn, js: js}, nil
}

// JetStream exposes the context for components sharing the connection
func (b *Bus) JetStream() jetstream.JetStream {
	return b.js
}

// Publish sends an event to the subject of its kind and auction
func (b *Bus) Publish(ctx context.Context, e models.Event) error {
	data, err := models.EncodeEvent(e)
	if err != nil {
		return err
	}
	subject := Subject(e.Kind(), e.AuctionID())

	switch e.(type) {
	case models.NewBidEvent:
		ack, err := b.js.Publish(ctx, subject, data)
		if err != nil {
			return errors.Wrapf(err, "failed to publish to %s", subject)
		}
		log.WithFields(log.Fields{"subject": subject, "seq": ack.Sequence}).Debug("Published bid")
	case models.HighBidEvent, models.AuctionEndedEvent:
		if err := b.conn.Publish(subject, data); err != nil {
			return errors.Wrapf(err, "failed to publish to %s", subject)
		}
	default:
		return errors.Wrapf(models.ErrUnknownEventKind, "%T", e)
	}
	return nil
}

func bidConsumerName(auctionID int64) string {
	return fmt.Sprintf("auction-%d", auctionID)
}

type consumeBinding struct {
	cc jetstream.ConsumeContext
}

func (b consumeBinding) Unbind() error {
	b.cc.Stop()
	return nil
}

// BindNewBids starts delivering the auction's bid submissions to handler.
// Messages are acked once handler returns.
func (b *Bus) BindNewBids(ctx context.Context, auctionID int64, handler func(models.Bid)) (Binding, error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, BidStream, jetstream.ConsumerConfig{
		Durable:           bidConsumerName(auctionID),
		FilterSubject:     Subject(models.KindNewBid, auctionID),
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Hour,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create bid consumer for auction %d", auctionID)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		ev, err := models.DecodeEvent(msg.Data())
		if err != nil {
			log.WithError(err).WithField("subject", msg.Subject()).Warn("Dropping undecodable bid message")
			_ = msg.Term()
			return
		}
		nb, ok := ev.(models.NewBidEvent)
		if !ok {
			log.WithField("kind", ev.Kind()).Warn("Unexpected event on bid subject")
			_ = msg.Term()
			return
		}
		handler(nb.Bid)
		if err := msg.Ack(); err != nil {
			log.WithError(err).WithField("bid_id", nb.Bid.ID).Warn("Failed to ack bid")
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to consume bids for auction %d", auctionID)
	}
	return consumeBinding{cc: cc}, nil
}

// updateBuffer bounds the update events waiting for the handler
const updateBuffer = 8192

type updateSubscription struct {
	subs []*nats.Subscription
	stop chan struct{}
	once sync.Once
}

func (u *updateSubscription) Unbind() error {
	var first error
	for _, sub := range u.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	u.once.Do(func() { close(u.stop) })
	return first
}

// SubscribeUpdates delivers every high bid and auction ended event of
// all auctions to handler. Both subjects feed one channel drained by a
// single goroutine, so events reach handler in publish order.
func (b *Bus) SubscribeUpdates(handler func(models.Event)) (Binding, error) {
	msgs := make(chan *nats.Msg, updateBuffer)
	u := &updateSubscription{stop: make(chan struct{})}
	for _, kind := range []models.EventKind{models.KindHighBid, models.KindAuctionEnded} {
		sub, err := b.conn.ChanSubscribe(wildcard(kind), msgs)
		if err != nil {
			_ = u.Unbind()
			return nil, errors.Wrapf(err, "failed to subscribe to %s", wildcard(kind))
		}
		u.subs = append(u.subs, sub)
	}

	go func() {
		for {
			select {
			case <-u.stop:
				return
			case msg := <-msgs:
				ev, err := models.DecodeEvent(msg.Data)
				if err != nil {
					log.WithError(err).WithField("subject", msg.Subject).Warn("Dropping undecodable update")
					continue
				}
				handler(ev)
			}
		}
	}()
	return u, nil
}
