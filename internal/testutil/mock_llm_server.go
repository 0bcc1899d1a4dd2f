package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// NewOpenAICompatibleServer starts an httptest.Server that answers
// POST /v1/chat/completions with a single assistant message.
// The caller closes the server.
func NewOpenAICompatibleServer(content string) *httptest.Server {
	if content == "" {
		content = "mock response"
	}
	resp := map[string]interface{}{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]interface{}{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}
