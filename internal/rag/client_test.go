package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"eduassist/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.FlowiseConfig{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		Models:       map[string]string{"gemini": "flow-gemini", "gpt": "flow-gpt"},
		DefaultModel: "Gemini",
	})
	return client, srv
}

func TestSendMessagePostsPrediction(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"text":       "Đây là câu trả lời.",
			"sessionId":  "conv-1",
			"usedTokens": 42,
			"sourceDocuments": []map[string]any{
				{"pageContent": "chunk", "metadata": map[string]any{"source": "doc.pdf"}},
			},
		})
	})

	resp, err := client.SendMessage(context.Background(), "câu hỏi", "conv-1", nil, "gpt")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/api/v1/prediction/flow-gpt" {
		t.Fatalf("wrong chatflow path: %s", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
	if gotBody["question"] != "câu hỏi" || gotBody["sessionId"] != "conv-1" {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
	if resp.Text != "Đây là câu trả lời." || resp.TokensUsed != 42 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.SourceDocuments) != 1 || resp.SourceDocuments[0].PageContent != "chunk" {
		t.Fatalf("source documents not decoded: %+v", resp.SourceDocuments)
	}
}

func TestSendMessageTokensFromUsage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"text":  "ok",
			"usage": map[string]any{"totalTokens": 17},
		})
	})
	resp, err := client.SendMessage(context.Background(), "q", "c", nil, "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.TokensUsed != 17 {
		t.Fatalf("expected tokens from usage block, got %d", resp.TokensUsed)
	}
}

func TestSendMessageNormalizesFallback(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "Hmm, I'm not sure. There is nothing in my context."})
	})
	resp, err := client.SendMessage(context.Background(), "q", "c", nil, "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Text != DefaultApology {
		t.Fatalf("fallback opener must be replaced with the apology, got %q", resp.Text)
	}
}

func TestSendMessageKeepsRealAnswers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "Học phí kỳ này là 12 triệu đồng."})
	})
	resp, err := client.SendMessage(context.Background(), "q", "c", nil, "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Text != "Học phí kỳ này là 12 triệu đồng." {
		t.Fatalf("real answers must pass through, got %q", resp.Text)
	}
}

func TestSendMessageServerError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := client.SendMessage(context.Background(), "q", "c", nil, ""); err == nil {
		t.Fatalf("expected error on http 500")
	}
}

func TestSendMessageUnknownModelFallsBack(t *testing.T) {
	var gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"text": "ok"})
	})
	if _, err := client.SendMessage(context.Background(), "q", "c", nil, "does-not-exist"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/api/v1/prediction/flow-gemini" {
		t.Fatalf("unknown model must route to the default chatflow, got %s", gotPath)
	}
}

func TestGenerateTitle(t *testing.T) {
	var gotSession any = "sentinel"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotSession = body["sessionId"]
		json.NewEncoder(w).Encode(map[string]any{"text": `"Hỏi về học phí"`})
	})

	title, err := client.GenerateTitle(context.Background(), "Học phí bao nhiêu?", "12 triệu")
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if title != "Hỏi về học phí" {
		t.Fatalf("expected unquoted title, got %q", title)
	}
	if gotSession != nil {
		t.Fatalf("title generation must not join a conversation thread, sessionId=%v", gotSession)
	}
}

func TestGenerateTitleFallsBackOnEmptyAnswer(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "   "})
	})
	long := strings.Repeat("y", 60)
	title, err := client.GenerateTitle(context.Background(), long, "a")
	if err != nil {
		t.Fatalf("GenerateTitle: %v", err)
	}
	if title != strings.Repeat("y", 47)+"..." {
		t.Fatalf("expected truncation fallback, got %q", title)
	}
}

func TestGenerateTitleTransportErrorSurfaces(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()
	if _, err := client.GenerateTitle(context.Background(), "q", "a"); err == nil {
		t.Fatalf("expected transport error")
	}
}
