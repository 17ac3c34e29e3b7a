package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *recordingPublisher) PublishMsg(m *nats.Msg) error {
	p.msgs = append(p.msgs, m)
	return p.err
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

func TestPublish(t *testing.T) {
	pub := &recordingPublisher{}
	if err := Publish(context.Background(), pub, "meter.test", testMsg{Name: "a", Value: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != "meter.test" {
		t.Fatalf("unexpected messages: %+v", pub.msgs)
	}
	var got testMsg
	if err := json.Unmarshal(pub.msgs[0].Data, &got); err != nil || got.Name != "a" {
		t.Fatalf("unexpected payload %s: %v", pub.msgs[0].Data, err)
	}
}

func TestPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("closed")}
	if err := Publish(context.Background(), pub, "s", testMsg{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReply(t *testing.T) {
	pub := &recordingPublisher{}
	if err := Reply(context.Background(), pub, &nats.Msg{Subject: "s"}, testMsg{}); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 0 {
		t.Fatal("message without reply subject must be ignored")
	}
	if err := Reply(context.Background(), pub, &nats.Msg{Subject: "s", Reply: "_INBOX.1"}, testMsg{Value: 9}); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != "_INBOX.1" {
		t.Fatalf("unexpected messages: %+v", pub.msgs)
	}
}

func TestRedeliver(t *testing.T) {
	orig := nats.NewMsg("meter.extract")
	orig.Data = []byte(`{"x":1}`)
	orig.Header.Set("traceparent", "00-abc-def-01")
	if Redeliveries(orig) != 0 {
		t.Fatal("expected 0 redeliveries")
	}

	pub := &recordingPublisher{}
	if err := Redeliver(pub, orig, 2); err != nil {
		t.Fatal(err)
	}
	got := pub.msgs[0]
	if got.Subject != "meter.extract" || string(got.Data) != `{"x":1}` {
		t.Fatalf("unexpected redelivery: %+v", got)
	}
	if Redeliveries(got) != 2 {
		t.Fatalf("expected 2, got %d", Redeliveries(got))
	}
	if got.Header.Get("traceparent") != "00-abc-def-01" {
		t.Fatal("trace header not carried over")
	}
}

func TestRedeliveriesMalformed(t *testing.T) {
	msg := nats.NewMsg("s")
	msg.Header.Set(RetryHeader, "nope")
	if Redeliveries(msg) != 0 {
		t.Fatal("malformed header should count as 0")
	}
}
