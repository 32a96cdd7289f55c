package bus

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/sleepd-kobo/internal/client"
)

type writeRecord struct {
	messageType int
	data        []byte
}

// mockConn is a wsConn backed by channels, grounded on the teacher's
// gateway.mockConn test fake.
type mockConn struct {
	readCh  chan []byte
	writeCh chan writeRecord
	closed  atomic.Bool
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:  make(chan []byte, 10),
		writeCh: make(chan writeRecord, 10),
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.writeCh <- writeRecord{messageType: messageType, data: data}
	return nil
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.readCh
	if !ok {
		return 0, nil, errors.New("mockConn: closed")
	}
	return 1, data, nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error { return nil }
func (m *mockConn) SetReadLimit(limit int64)          {}

func (m *mockConn) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		close(m.readCh)
	}
	return nil
}

func newTestHub(onVoteChanged func()) (*Hub, *client.Registry) {
	registry := client.New()
	h := New(registry, onVoteChanged, zerolog.Nop())
	return h, registry
}

func TestSubscribeRegistersClient(t *testing.T) {
	h, registry := newTestHub(nil)
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	time.Sleep(10 * time.Millisecond)

	if got := registry.NonResponders(client.SuspendRequest); len(got) != 1 || got[0] != "A" {
		t.Fatalf("expected subscribed client A to be tracked with an unset vote, got %v", got)
	}
	conn.Close()
}

func TestVoteAckRoutesToRegistry(t *testing.T) {
	var changed atomic.Int32
	h, registry := newTestHub(func() { changed.Add(1) })
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	conn.readCh <- mustJSON(t, inboundFrame{Type: "vote", Client: "A", Phase: phaseSuspendRequest, Result: "ack"})
	time.Sleep(10 * time.Millisecond)

	if !registry.AllApproved(client.SuspendRequest) {
		t.Fatalf("expected client A's ack to be recorded")
	}
	if changed.Load() == 0 {
		t.Fatalf("expected onVoteChanged to be invoked")
	}
	conn.Close()
}

func TestVoteNackRoutesToRegistry(t *testing.T) {
	h, registry := newTestHub(nil)
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	conn.readCh <- mustJSON(t, inboundFrame{Type: "vote", Client: "A", Phase: phaseSuspendRequest, Result: "nack", Reason: "busy"})
	time.Sleep(10 * time.Millisecond)

	if !registry.AnyNacked(client.SuspendRequest) {
		t.Fatalf("expected client A's nack to be recorded")
	}
	conn.Close()
}

func TestUnsubscribeRemovesClient(t *testing.T) {
	h, registry := newTestHub(nil)
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	time.Sleep(10 * time.Millisecond)
	conn.readCh <- mustJSON(t, inboundFrame{Type: "unsubscribe", Client: "A"})
	time.Sleep(10 * time.Millisecond)

	registry.Nack("A", client.SuspendRequest, "should be dropped, unknown client")
	if registry.AnyNacked(client.SuspendRequest) {
		t.Fatalf("expected unsubscribed client's vote to be dropped")
	}
}

func TestBroadcastReachesSubscribedConn(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	time.Sleep(10 * time.Millisecond)

	h.SuspendRequest()

	select {
	case rec := <-conn.writeCh:
		var frame BroadcastFrame
		if err := json.Unmarshal(rec.data, &frame); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if frame.Event != "suspend-request" {
			t.Fatalf("expected suspend-request event, got %s", frame.Event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
	conn.Close()
}

func TestResumeBroadcastCarriesKind(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newMockConn()
	go h.serve(conn)

	conn.readCh <- mustJSON(t, inboundFrame{Type: "subscribe", Client: "A"})
	time.Sleep(10 * time.Millisecond)

	h.Resume("activity")

	select {
	case rec := <-conn.writeCh:
		var frame BroadcastFrame
		if err := json.Unmarshal(rec.data, &frame); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if frame.Event != "resume" || frame.Kind != "activity" {
			t.Fatalf("expected resume/activity, got %s/%s", frame.Event, frame.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
	conn.Close()
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
