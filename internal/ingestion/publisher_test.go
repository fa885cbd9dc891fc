package ingestion_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"SwapLedger/internal/core"
	"SwapLedger/internal/event"
	"SwapLedger/internal/ingestion"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.EventStream, Sequence: uint64(len(f.msgs))}, nil
}

func TestOutboundPublisher_SubjectsAndOrder(t *testing.T) {
	ch := make(chan core.Output, 4)
	ch <- core.Output{Envelope: &event.EventEnvelope{
		Sequence: 1, EventType: event.EventTypeListingCreated, AggregateID: "0xaa",
		Payload: []byte(`{"listing":{}}`), Timestamp: time.Unix(0, 0).UTC(),
	}}
	ch <- core.Output{Command: &core.CommandRecord{RequestID: "skip-me"}}
	ch <- core.Output{Envelope: &event.EventEnvelope{
		Sequence: 2, EventType: event.EventTypeListingFulfilled, AggregateID: "0xaa",
		Payload: []byte(`{}`),
	}}
	close(ch)

	js := &fakeJetStream{}
	p := ingestion.NewOutboundPublisher(js, ch, nil, zerolog.Nop())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(js.msgs) != 2 {
		t.Fatalf("published: got %d, want 2", len(js.msgs))
	}
	if js.msgs[0].subject != "swap.events.listing.created" {
		t.Errorf("subject: got %s, want swap.events.listing.created", js.msgs[0].subject)
	}
	if js.msgs[1].subject != "swap.events.listing.fulfilled" {
		t.Errorf("subject: got %s, want swap.events.listing.fulfilled", js.msgs[1].subject)
	}

	var got ingestion.PublishedEvent
	if err := json.Unmarshal(js.msgs[0].data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != 1 || got.EventType != "ListingCreated" || got.AggregateID != "0xaa" {
		t.Errorf("got %+v", got)
	}
	if string(got.Payload) != `{"listing":{}}` {
		t.Errorf("payload: got %s", got.Payload)
	}
	if len(got.StateHash) != 64 {
		t.Errorf("state hash: got %q, want 64 hex digits", got.StateHash)
	}
}

func TestOutboundPublisher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ingestion.NewOutboundPublisher(&fakeJetStream{}, make(chan core.Output), nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher did not stop")
	}
}
