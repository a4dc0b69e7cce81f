package natsutil

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type capturePublisher struct{ msgs []*nats.Msg }

func (c *capturePublisher) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*natsHeaderCarrier)(&nats.Msg{})
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestPublishThenDecode(t *testing.T) {
	pub := &capturePublisher{}
	if err := Publish(context.Background(), pub, "directory.test", testMsg{Name: "taco", Value: 3}); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != "directory.test" {
		t.Fatalf("unexpected published messages: %+v", pub.msgs)
	}

	_, got, err := Decode[testMsg](pub.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "taco" || got.Value != 3 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, _, err := Decode[testMsg](&nats.Msg{Data: []byte("{nope")}); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
