package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/segmentio/kafka-go"

	"github.com/frahmantamala/puzzle-purchases/internal/core/events"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func samplePayload() events.PurchasePayload {
	return events.PurchasePayload{
		PurchaseID:      "pur-1",
		UserID:          "user-1",
		Amount:          200,
		Currency:        "USD",
		Status:          "succeeded",
		GatewayIntentID: "pi_1",
	}
}

var _ = Describe("EventBus", func() {
	var (
		bus    *events.EventBus
		logger *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus = events.NewEventBus(logger)
	})

	It("delivers published events to every subscriber of the type", func() {
		var mu sync.Mutex
		received := []string{}
		handler := func(ctx context.Context, e events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, e.EventType())
			return nil
		}
		bus.Subscribe(events.EventTypePurchaseSucceeded, handler)
		bus.Subscribe(events.EventTypePurchaseSucceeded, handler)
		bus.Subscribe(events.EventTypePurchaseFailed, handler)

		event := events.NewPurchaseEvent(events.EventTypePurchaseSucceeded, samplePayload())
		Expect(bus.Publish(context.Background(), event)).To(Succeed())
		Expect(bus.Wait(context.Background())).To(Succeed())

		mu.Lock()
		defer mu.Unlock()
		Expect(received).To(HaveLen(2))
		Expect(received).To(HaveEach(events.EventTypePurchaseSucceeded))
	})

	It("keeps running handlers after the publisher's context is cancelled", func() {
		done := make(chan error, 1)
		bus.Subscribe(events.EventTypePurchaseFailed, func(ctx context.Context, e events.Event) error {
			time.Sleep(20 * time.Millisecond)
			done <- ctx.Err()
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		Expect(bus.Publish(ctx, events.NewPurchaseEvent(events.EventTypePurchaseFailed, samplePayload()))).To(Succeed())
		cancel()

		Eventually(done).Should(Receive(BeNil()))
	})

	It("swallows async handler errors but reports them from PublishSync", func() {
		bus.Subscribe(events.EventTypePurchaseFailed, func(ctx context.Context, e events.Event) error {
			return errors.New("boom")
		})
		event := events.NewPurchaseEvent(events.EventTypePurchaseFailed, samplePayload())

		Expect(bus.Publish(context.Background(), event)).To(Succeed())
		Expect(bus.PublishSync(context.Background(), event)).To(MatchError(ContainSubstring("boom")))
	})

	It("ignores events nobody listens to", func() {
		event := events.NewPurchaseEvent(events.EventTypePurchaseRequiresAction, samplePayload())
		Expect(bus.Publish(context.Background(), event)).To(Succeed())
		Expect(bus.PublishSync(context.Background(), event)).To(Succeed())
	})
})

var _ = Describe("KafkaForwarder", func() {
	var (
		writer    *recordingWriter
		forwarder *events.KafkaForwarder
		logger    *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		writer = &recordingWriter{}
		forwarder = events.NewKafkaForwarder(writer, logger)
	})

	It("keys messages by purchase id and carries the event type header", func() {
		event := events.NewPurchaseEvent(events.EventTypePurchaseSucceeded, samplePayload())
		Expect(forwarder.Handle(context.Background(), event)).To(Succeed())

		messages := writer.snapshot()
		Expect(messages).To(HaveLen(1))
		Expect(string(messages[0].Key)).To(Equal("pur-1"))
		Expect(messages[0].Headers).To(ContainElement(kafka.Header{Key: "event_type", Value: []byte(events.EventTypePurchaseSucceeded)}))

		var body map[string]interface{}
		Expect(json.Unmarshal(messages[0].Value, &body)).To(Succeed())
		Expect(body["type"]).To(Equal(events.EventTypePurchaseSucceeded))
		Expect(body["purchase"]).To(HaveKeyWithValue("purchase_id", "pur-1"))
	})

	It("returns writer failures", func() {
		writer.err = errors.New("broker down")
		event := events.NewPurchaseEvent(events.EventTypePurchaseFailed, samplePayload())
		Expect(forwarder.Handle(context.Background(), event)).To(MatchError(ContainSubstring("broker down")))
	})

	It("forwards every purchase event type once registered on the bus", func() {
		bus := events.NewEventBus(logger)
		forwarder.Register(bus)

		for _, eventType := range events.PurchaseEventTypes {
			Expect(bus.Publish(context.Background(), events.NewPurchaseEvent(eventType, samplePayload()))).To(Succeed())
		}
		Expect(bus.Wait(context.Background())).To(Succeed())
		Expect(writer.snapshot()).To(HaveLen(len(events.PurchaseEventTypes)))
	})
})
