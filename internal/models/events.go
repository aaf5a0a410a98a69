package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventKind identifies one member of the live auction event union
type EventKind string

// EventKind constants. They double as the middle token of bus subjects.
const (
	KindNewBid       EventKind = "newBid"
	KindHighBid      EventKind = "highBid"
	KindAuctionEnded EventKind = "auctionEnded"
)

// ErrUnknownEventKind is returned when decoding an envelope whose kind
// is not part of the union
var ErrUnknownEventKind = errors.New("unknown event kind")

// Event is the closed set of notifications exchanged over the bus.
// Consumers dispatch with a type switch on the concrete type.
type Event interface {
	Kind() EventKind
	AuctionID() int64
	sealed()
}

// NewBidEvent carries a bid submission to the auction's owning node
type NewBidEvent struct {
	Bid Bid `json:"bid"`
}

// HighBidEvent announces a change of an item's HighBid
type HighBidEvent struct {
	HighBid HighBid `json:"high_bid"`
}

// AuctionEndedEvent announces that an auction has no items left
type AuctionEndedEvent struct {
	Auction int64     `json:"auction_id"`
	EndTime time.Time `json:"end_time"`
}

func (NewBidEvent) Kind() EventKind       { return KindNewBid }
func (HighBidEvent) Kind() EventKind      { return KindHighBid }
func (AuctionEndedEvent) Kind() EventKind { return KindAuctionEnded }

func (e NewBidEvent) AuctionID() int64       { return e.Bid.AuctionID }
func (e HighBidEvent) AuctionID() int64      { return e.HighBid.AuctionID }
func (e AuctionEndedEvent) AuctionID() int64 { return e.Auction }

func (NewBidEvent) sealed()       {}
func (HighBidEvent) sealed()      {}
func (AuctionEndedEvent) sealed() {}

type envelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent wraps an event in a kind-tagged JSON envelope
func EncodeEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s event", e.Kind())
	}
	return json.Marshal(envelope{Kind: e.Kind(), Payload: payload})
}

// DecodeEvent is the inverse of EncodeEvent
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal event envelope")
	}

	switch env.Kind {
	case KindNewBid:
		var e NewBidEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, errors.Wrap(err, "unmarshal newBid event")
		}
		return e, nil
	case KindHighBid:
		var e HighBidEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, errors.Wrap(err, "unmarshal highBid event")
		}
		return e, nil
	case KindAuctionEnded:
		var e AuctionEndedEvent
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, errors.Wrap(err, "unmarshal auctionEnded event")
		}
		return e, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEventKind, "%q", env.Kind)
	}
}
