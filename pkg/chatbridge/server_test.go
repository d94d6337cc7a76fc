package chatbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/router"
)

type fakeRouter struct {
	calls int
}

func (f *fakeRouter) Route(ctx context.Context, u router.Utterance) router.Emission {
	f.calls++
	return router.Emission{Kind: router.EmissionReply, Text: "ack: " + u.Text}
}

func TestInboundMessageRoutesOnce(t *testing.T) {
	rt := &fakeRouter{}
	srv := NewServer(rt, 0, logx.NewLogger("test"))
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(InboundMessage{ID: "msg-1", Text: "hello", SenderID: "user-1"})
	resp, err := ts.Client().Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if rt.calls != 1 {
		t.Fatalf("expected exactly one route call, got %d", rt.calls)
	}
}

func TestDuplicateMessageIDIsDeduped(t *testing.T) {
	rt := &fakeRouter{}
	srv := NewServer(rt, 0, logx.NewLogger("test"))
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(InboundMessage{ID: "msg-dup", Text: "hello", SenderID: "user-1"})
	for i := 0; i < 3; i++ {
		resp, err := ts.Client().Post(ts.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if rt.calls != 1 {
		t.Fatalf("expected dedupe to collapse repeated ids to one route call, got %d", rt.calls)
	}
}
