package polymarket

import (
	"context"
	"testing"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/models"
	"predictflow/reader"
)

func newTestReader() *Reader {
	cfg := &appconfig.Config{}
	ch := channel.NewChannels([]models.Venue{models.VenuePolymarket}, 16, 16, 4)
	r := NewReader(cfg, ch, nil)
	r.ctx = context.Background()
	return r
}

func TestSubscribeTracksAssets(t *testing.T) {
	r := newTestReader()

	if err := r.Subscribe("0xabc", models.ChannelOrderbook); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe("0xabc", models.ChannelTrades); err != nil {
		t.Fatalf("subscribe trades: %v", err)
	}

	markets := r.subs.Markets()
	if len(markets) != 1 || markets[0] != "0xabc" {
		t.Errorf("markets = %v", markets)
	}
	if got := len(r.commands); got != 2 {
		t.Errorf("command queue len = %d, want 2", got)
	}
}

func TestUnsubscribeIsLocalOnly(t *testing.T) {
	r := newTestReader()
	r.Subscribe("0xabc", models.ChannelOrderbook)

	if err := r.Unsubscribe("0xabc", models.ChannelOrderbook); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if r.subs.Len() != 0 {
		t.Errorf("interest should be dropped locally, len = %d", r.subs.Len())
	}

	// Both transitions land on the command queue; the session decides
	// that unsubscribe needs no wire traffic.
	var ops []reader.CommandOp
	for len(r.commands) > 0 {
		ops = append(ops, (<-r.commands).Op)
	}
	if len(ops) != 2 || ops[1] != reader.CmdUnsubscribe {
		t.Errorf("ops = %v", ops)
	}
}

func TestFramesForUnheldAssetsAreFiltered(t *testing.T) {
	r := newTestReader()
	r.Subscribe("111", models.ChannelOrderbook)

	cases := []struct {
		name string
		msg  string
		want bool
	}{
		{"held asset", `{"event_type":"book","asset_id":"111"}`, true},
		{"unheld asset", `{"event_type":"book","asset_id":"222"}`, false},
		{"batch with held asset", `[{"asset_id":"222"},{"asset_id":"111"}]`, true},
		{"batch all unheld", `[{"asset_id":"222"},{"asset_id":"333"}]`, false},
		{"no asset id", `{"event_type":"status"}`, true},
		{"unparseable", `not json`, true},
	}
	for _, tc := range cases {
		if got := r.interested([]byte(tc.msg)); got != tc.want {
			t.Errorf("%s: interested = %v, want %v", tc.name, got, tc.want)
		}
	}
}
