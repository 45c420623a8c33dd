package status

import "testing"

func TestSyncTransitions(t *testing.T) {
	cases := []struct {
		from, to SyncState
		want     bool
	}{
		{Pending, Synced, true},
		{Pending, Failed, true},
		{Failed, Pending, true},
		{Failed, Synced, true},
		{Synced, Pending, false},
		{Synced, Failed, false},
		{Pending, Pending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestDeliveryOnlyMovesForward(t *testing.T) {
	if got := Advance(Sent, Delivered); got != Delivered {
		t.Errorf("Advance(sent, delivered) = %s", got)
	}
	if got := Advance(Read, Delivered); got != Read {
		t.Errorf("stale delta regressed read to %s", got)
	}
	if got := Advance(Delivered, Delivered); got != Delivered {
		t.Errorf("Advance(delivered, delivered) = %s", got)
	}
	if got := Advance(Sent, Read); got != Read {
		t.Errorf("Advance(sent, read) = %s", got)
	}
}

func TestDeliveryRank(t *testing.T) {
	if Rank(Sent) >= Rank(Delivered) || Rank(Delivered) >= Rank(Read) {
		t.Error("delivery ranks not strictly increasing")
	}
	if ValidDelivery(Delivery("bogus")) {
		t.Error("bogus delivery accepted")
	}
}
