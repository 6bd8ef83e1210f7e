package gateway

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"
)

func register(t *testing.T, h *Hub, id string, buffer int, cameras ...models.CameraID) *Subscription {
	t.Helper()
	sub, err := h.Register(id, buffer)
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	sub.Watch(cameras...)
	return sub
}

func receive(t *testing.T, sub *Subscription) models.ProcessedFrameEvent {
	t.Helper()
	select {
	case payload := <-sub.Messages():
		event, err := relay.Decode(payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for message on %s", sub.ID)
		return models.ProcessedFrameEvent{}
	}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case payload := <-sub.Messages():
		t.Fatalf("Unexpected message on %s: %s", sub.ID, payload)
	default:
	}
}

func TestBroadcastFiltersByCamera(t *testing.T) {
	h := NewHub()
	defer h.Close()

	one := register(t, h, "a", 4, "cam-1")
	two := register(t, h, "b", 4, "cam-2")
	all := register(t, h, "c", 4, Wildcard)
	none := register(t, h, "d", 4)

	n, err := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-2", ViolationDetected: true, Labels: []string{"no hardhat"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Delivered to %d connections, want 2", n)
	}

	if got := receive(t, two); got.CameraID != "cam-2" || !got.ViolationDetected {
		t.Errorf("Unexpected event %+v", got)
	}
	receive(t, all)
	expectNothing(t, one)
	expectNothing(t, none)
}

func TestBroadcastPayloadShape(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := register(t, h, "a", 1, "cam-1")
	if _, err := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-1", AnnotatedFrame: "img"}); err != nil {
		t.Fatal(err)
	}

	var msg struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(<-sub.Messages(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Event != relay.EventFrameProcessed {
		t.Errorf("Event = %q", msg.Event)
	}
	for _, key := range []string{"cameraId", "annotatedFrame", "violationDetected", "labels"} {
		if _, ok := msg.Data[key]; !ok {
			t.Errorf("Payload is missing %q: %v", key, msg.Data)
		}
	}
}

func TestBroadcastDropsForSlowConnection(t *testing.T) {
	h := NewHub()
	defer h.Close()

	slow := register(t, h, "slow", 1, "cam-1")
	fast := register(t, h, "fast", 8, "cam-1")

	for i := 0; i < 3; i++ {
		if _, err := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-1"}); err != nil {
			t.Fatal(err)
		}
	}

	stats := h.Stats()
	if stats.Broadcasts != 3 || stats.Dropped != 2 || stats.Sent != 4 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if len(fast.Messages()) != 3 {
		t.Errorf("Fast connection buffered %d, want 3", len(fast.Messages()))
	}
	receive(t, slow)
	expectNothing(t, slow)
}

func TestStatsSurviveUnregister(t *testing.T) {
	h := NewHub()
	defer h.Close()

	register(t, h, "a", 1, "cam-1")
	register(t, h, "b", 4, Wildcard)
	for i := 0; i < 2; i++ {
		if _, err := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-1"}); err != nil {
			t.Fatal(err)
		}
	}
	h.Unregister("a")
	h.Unregister("b")

	stats := h.Stats()
	if stats.Connections != 0 || stats.Sent != 3 || stats.Dropped != 1 {
		t.Errorf("Counters lost after Unregister: %+v", stats)
	}
}

func TestUnwatch(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := register(t, h, "a", 4, "cam-1", "cam-2", Wildcard)
	sub.Unwatch(Wildcard, "cam-1")

	if sub.Watching("cam-1") || sub.Watching("cam-3") {
		t.Error("Subscription still watches removed cameras")
	}
	if !sub.Watching("cam-2") {
		t.Error("Subscription lost cam-2")
	}
	if got := sub.Cameras(); len(got) != 1 || got[0] != "cam-2" {
		t.Errorf("Cameras() = %v, want [cam-2]", got)
	}
}

func TestRegisterErrors(t *testing.T) {
	h := NewHub()
	register(t, h, "a", 1)

	if _, err := h.Register("a", 1); !errors.Is(err, ErrConnectionExists) {
		t.Errorf("Duplicate Register: got %v, want ErrConnectionExists", err)
	}

	h.Close()
	h.Close()
	if _, err := h.Register("b", 1); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Register after Close: got %v, want ErrHubClosed", err)
	}
	if _, err := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-1"}); !errors.Is(err, ErrHubClosed) {
		t.Errorf("Broadcast after Close: got %v, want ErrHubClosed", err)
	}
}

func TestUnregisterClosesMessages(t *testing.T) {
	h := NewHub()
	defer h.Close()

	sub := register(t, h, "a", 1, "cam-1")
	h.Unregister("a")
	h.Unregister("a")

	if _, ok := <-sub.Messages(); ok {
		t.Error("Messages channel still open after Unregister")
	}
	if n, _ := h.Broadcast(models.ProcessedFrameEvent{CameraID: "cam-1"}); n != 0 {
		t.Errorf("Delivered to %d connections after Unregister", n)
	}
}

func TestParseCameras(t *testing.T) {
	got := ParseCameras(" cam-1, ,cam-2,*")
	want := []models.CameraID{"cam-1", "cam-2", Wildcard}
	if len(got) != len(want) {
		t.Fatalf("ParseCameras = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseCameras[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := ParseCameras(""); len(got) != 0 {
		t.Errorf("ParseCameras(\"\") = %v", got)
	}
}
