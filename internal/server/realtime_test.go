package server

import (
	"testing"
)

func TestOfferLatestKeepsNewestValue(t *testing.T) {
	events := make(chan int, 1)

	offerLatest(events, 1)
	offerLatest(events, 2)
	offerLatest(events, 3)

	select {
	case value := <-events:
		if value != 3 {
			t.Fatalf("expected newest value 3, got %d", value)
		}
	default:
		t.Fatal("expected a buffered value")
	}

	select {
	case value := <-events:
		t.Fatalf("expected a single buffered value, found extra %d", value)
	default:
	}
}
