package builtin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aivalabs/aiva-bridge/internal/executor"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
)

type fakePublisher struct {
	port int
	req  sidechannel.TransferRequest
	err  error
}

func (f *fakePublisher) PublishTransfer(_ context.Context, port int, req sidechannel.TransferRequest) error {
	f.port = port
	f.req = req
	return f.err
}

type fakeSearcher struct {
	kbID  string
	query string
	topK  int
	res   *mgmt.KnowledgeResult
	err   error
}

func (f *fakeSearcher) SearchKnowledge(_ context.Context, kbID, query string, topK int) (*mgmt.KnowledgeResult, error) {
	f.kbID, f.query, f.topK = kbID, query, topK
	return f.res, f.err
}

func TestTransferPublishesAndSpeaks(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	handler := Transfer(pub)
	res := handler(context.Background(), map[string]any{
		"queue_name": "billing",
		"reason":     "invoice dispute",
	}, executor.Context{SessionID: "sess-1", PBXPort: 10500})

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if pub.port != 10500 {
		t.Fatalf("port = %d, want 10500", pub.port)
	}
	if pub.req.SessionID != "sess-1" || pub.req.QueueName != "billing" || pub.req.Reason != "invoice dispute" {
		t.Fatalf("request = %+v", pub.req)
	}
	if !strings.Contains(res.Spoken, "billing") {
		t.Fatalf("spoken = %q, want queue name mentioned", res.Spoken)
	}
}

func TestTransferRequiresQueueName(t *testing.T) {
	t.Parallel()

	handler := Transfer(&fakePublisher{})
	res := handler(context.Background(), map[string]any{}, executor.Context{})
	if res.Error == "" {
		t.Fatal("expected error for missing queue_name")
	}
}

func TestTransferPublishFailure(t *testing.T) {
	t.Parallel()

	handler := Transfer(&fakePublisher{err: errors.New("redis down")})
	res := handler(context.Background(), map[string]any{"queue_name": "sales"}, executor.Context{})
	if !strings.Contains(res.Error, "redis down") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestSearchKnowledge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     map[string]any
		kbID     string
		wantTopK int
		wantErr  string
	}{
		{
			name:     "defaults top_k",
			args:     map[string]any{"query": "return policy"},
			kbID:     "kb-1",
			wantTopK: 5,
		},
		{
			name:     "explicit top_k",
			args:     map[string]any{"query": "warranty", "top_k": float64(3)},
			kbID:     "kb-1",
			wantTopK: 3,
		},
		{
			name:     "top_k clamped to maximum",
			args:     map[string]any{"query": "warranty", "top_k": float64(50)},
			kbID:     "kb-1",
			wantTopK: mgmt.MaxKnowledgeTopK,
		},
		{
			name:    "missing query",
			args:    map[string]any{},
			kbID:    "kb-1",
			wantErr: "query is required",
		},
		{
			name:    "no knowledge base",
			args:    map[string]any{"query": "anything"},
			wantErr: "no knowledge base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			search := &fakeSearcher{res: &mgmt.KnowledgeResult{
				Chunks: []mgmt.KnowledgeChunk{{Text: "passage", Score: 0.9}},
			}}
			handler := SearchKnowledge(search)
			res := handler(context.Background(), tt.args, executor.Context{KnowledgeBaseID: tt.kbID})

			if tt.wantErr != "" {
				if !strings.Contains(res.Error, tt.wantErr) {
					t.Fatalf("error = %q, want %q", res.Error, tt.wantErr)
				}
				return
			}
			if res.Error != "" {
				t.Fatalf("unexpected error: %s", res.Error)
			}
			if search.kbID != tt.kbID {
				t.Fatalf("kbID = %q, want %q", search.kbID, tt.kbID)
			}
			if search.topK != tt.wantTopK {
				t.Fatalf("topK = %d, want %d", search.topK, tt.wantTopK)
			}
			result := res.Data.(*mgmt.KnowledgeResult)
			if len(result.Chunks) != 1 || result.Chunks[0].Text != "passage" {
				t.Fatalf("data = %+v", result)
			}
		})
	}
}

func TestSearchKnowledgeBackendFailure(t *testing.T) {
	t.Parallel()

	handler := SearchKnowledge(&fakeSearcher{err: errors.New("timeout")})
	res := handler(context.Background(), map[string]any{"query": "q"}, executor.Context{KnowledgeBaseID: "kb-1"})
	if !strings.Contains(res.Error, "timeout") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestCheckOrderStatusValidatesBeforeLookup(t *testing.T) {
	t.Parallel()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"order_id":"A-17","status":"shipped"}`))
	}))
	defer srv.Close()

	handler := CheckOrderStatus(mgmt.FunctionSpec{
		Name:        NameCheckOrderStatus,
		APIEndpoint: srv.URL,
	})

	res := handler(context.Background(), map[string]any{}, executor.Context{})
	if res.Error == "" {
		t.Fatal("expected error for missing order_id")
	}
	if hits != 0 {
		t.Fatal("endpoint must not be hit without an order id")
	}

	res = handler(context.Background(), map[string]any{"order_id": "A-17"}, executor.Context{})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	data := res.Data.(map[string]any)
	if data["status"] != "shipped" {
		t.Fatalf("data = %v", data)
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}
