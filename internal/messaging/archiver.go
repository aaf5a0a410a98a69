package messaging

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vmware/weathervane-sub001/internal/models"
)

const archiverConsumer = "high-bid-archiver"

// HighBidRecorder persists HighBid snapshots
type HighBidRecorder interface {
	RecordHighBid(ctx context.Context, hb *models.HighBid) error
}

// Archiver consumes retained high bid events from the update stream and
// persists them. It uses a durable consumer so a restarted archiver
// resumes where it stopped.
type Archiver struct {
	js       jetstream.JetStream
	recorder HighBidRecorder
}

// NewArchiver creates a new archiver
func NewArchiver(js jetstream.JetStream, recorder HighBidRecorder) *Archiver {
	return &Archiver{js: js, recorder: recorder}
}

// Run consumes until ctx is cancelled
func (a *Archiver) Run(ctx context.Context) error {
	cons, err := a.js.CreateOrUpdateConsumer(ctx, UpdateStream, jetstream.ConsumerConfig{
		Durable:       archiverConsumer,
		FilterSubject: wildcard(models.KindHighBid),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create archiver consumer")
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		a.handleMessage(ctx, msg)
	})
	if err != nil {
		return errors.Wrap(err, "failed to consume update stream")
	}
	defer cc.Stop()

	log.WithField("subject", wildcard(models.KindHighBid)).Info("Archiver consuming high bid events")
	<-ctx.Done()
	return nil
}

func (a *Archiver) handleMessage(ctx context.Context, msg jetstream.Msg) {
	ev, err := models.DecodeEvent(msg.Data())
	if err != nil {
		log.WithError(err).Warn("Failed to decode high bid event")
		_ = msg.Term()
		return
	}
	hbe, ok := ev.(models.HighBidEvent)
	if !ok {
		_ = msg.Term()
		return
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.recorder.RecordHighBid(dbCtx, &hbe.HighBid); err != nil {
		log.WithError(err).WithField("itemId", hbe.HighBid.ItemID).Warn("Failed to archive high bid, will be redelivered")
		_ = msg.Nak()
		return
	}

	log.WithFields(log.Fields{
		"auctionId": hbe.HighBid.AuctionID,
		"itemId":    hbe.HighBid.ItemID,
		"bidCount":  hbe.HighBid.BidCount,
	}).Debug("Archived high bid")
	_ = msg.Ack()
}
