package events

import "testing"

func TestBusEmitsToSubscribersOfTopic(t *testing.T) {
	b := NewBus()
	var got []Event
	b.Subscribe(ParamsChanged, func(e Event) { got = append(got, e) })
	b.Subscribe(ChatsUpdated, func(e Event) { t.Fatalf("unexpected event on chats topic: %#v", e) })

	b.Emit(ParamsChanged, map[string]any{"temperature": 0.5})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Fields["temperature"] != 0.5 {
		t.Fatalf("unexpected fields: %#v", got[0].Fields)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	stop := b.Subscribe(APIKeysUpdated, func(Event) { calls++ })
	b.Emit(APIKeysUpdated, nil)
	stop()
	b.Emit(APIKeysUpdated, nil)
	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestNilBusEmitIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(ModelChanged, nil)
}
