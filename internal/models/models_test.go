package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventDispatch(t *testing.T) {
	data, err := EncodeEvent(HighBidEvent{HighBid: HighBid{
		ItemID:    7,
		AuctionID: 3,
		Amount:    decimal.NewFromInt(10),
		State:     HighBidOpen,
		BidCount:  2,
	}})
	require.NoError(t, err)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, KindHighBid, ev.Kind())
	assert.Equal(t, int64(3), ev.AuctionID())

	switch e := ev.(type) {
	case HighBidEvent:
		assert.True(t, decimal.NewFromInt(10).Equal(e.HighBid.Amount))
		assert.Equal(t, 2, e.HighBid.BidCount)
	default:
		t.Fatalf("unexpected event type %T", ev)
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind":"bogus","payload":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownEventKind))

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestHighBidSameAs(t *testing.T) {
	base := &HighBid{ItemID: 1, BidCount: 2, State: HighBidOpen, Amount: decimal.NewFromInt(5)}

	tests := []struct {
		name  string
		other *HighBid
		same  bool
	}{
		{"identical", base.Clone(), true},
		{"newer bid", &HighBid{ItemID: 1, BidCount: 3, State: HighBidOpen}, false},
		{"state moved", &HighBid{ItemID: 1, BidCount: 2, State: HighBidLastCall}, false},
		{"next item", &HighBid{ItemID: 2, BidCount: 2, State: HighBidOpen}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, base.SameAs(tt.other))
		})
	}
}

func TestHighBidOpenItemHasZeroEndTime(t *testing.T) {
	data, err := EncodeEvent(HighBidEvent{HighBid: HighBid{ItemID: 7, AuctionID: 3, State: HighBidOpen, BidCount: 1}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bidding_end_time":"0001-01-01T00:00:00Z"`)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.True(t, ev.(HighBidEvent).HighBid.BiddingEndTime.IsZero())
}
