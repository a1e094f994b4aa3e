package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// happy-path forward transitions
		{StatusPending, StatusSearching, true},
		{StatusSearching, StatusBidReceived, true},
		{StatusBidReceived, StatusAccepted, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		// bids can be withdrawn, dropping back to searching
		{StatusBidReceived, StatusSearching, true},
		// carpool: searching fills straight to matched
		{StatusSearching, StatusMatched, true},
		{StatusMatched, StatusCompleted, true},
		// cancel and expire from every non-terminal state
		{StatusPending, StatusCancelled, true},
		{StatusSearching, StatusExpired, true},
		{StatusBidReceived, StatusCancelled, true},
		{StatusAccepted, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		// terminal states have no outgoing transitions
		{StatusCompleted, StatusSearching, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusExpired, StatusSearching, false},
		// skipping states
		{StatusPending, StatusAccepted, false},
		{StatusSearching, StatusInProgress, false},
		{StatusSearching, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDeriveCapacityFilled(t *testing.T) {
	matches := []Match{
		{ID: "m1", Status: MatchActive},
		{ID: "m2", Status: MatchActive},
		{ID: "m3", Status: MatchCompleted},
		{ID: "m4", Status: MatchCancelled},
	}
	if got := DeriveCapacityFilled(matches); got != 2 {
		t.Fatalf("expected 2 active matches, got %d", got)
	}
	if got := DeriveCapacityFilled(nil); got != 0 {
		t.Fatalf("expected 0 for empty set, got %d", got)
	}
}

func TestGeoFixBetterThan(t *testing.T) {
	known := GeoFix{AccuracyM: 40}
	better := GeoFix{AccuracyM: 15}
	unknown := GeoFix{AccuracyM: UnknownAccuracy}

	if !better.BetterThan(known) {
		t.Error("15m should beat 40m")
	}
	if known.BetterThan(better) {
		t.Error("40m should not beat 15m")
	}
	if unknown.BetterThan(known) {
		t.Error("unknown accuracy never improves a known fix")
	}
	if !known.BetterThan(unknown) {
		t.Error("known accuracy beats unknown")
	}
}
