//go:build ignore

// Mock inference node for exercising the orchestrator locally.
// Run with: go run scripts/mock-node.go -port 11501 -name node1 -models llama3:8b,phi3:mini
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 11501, "Port to listen on")
	name := flag.String("name", "node1", "Node name, echoed in responses")
	models := flag.String("models", "llama3:8b", "Comma-separated model names to advertise")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between streamed chunks")
	flag.Parse()

	advertised := strings.Split(*models, ",")
	mux := http.NewServeMux()

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": "0.5.0-mock"})
	})

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]any, 0, len(advertised))
		for _, m := range advertised {
			list = append(list, map[string]any{
				"name":        m,
				"model":       m,
				"modified_at": time.Now().Format(time.RFC3339),
				"size":        4 << 30,
			})
		}
		writeJSON(w, map[string]any{"models": list})
	})

	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": []any{}})
	})

	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"details": map[string]string{"family": "mock", "node": *name},
		})
	})

	mux.HandleFunc("/api/generate", generateHandler(*name, *delay))
	mux.HandleFunc("/api/chat", chatHandler(*name, *delay))

	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":     "chatcmpl-mock",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]string{"role": "assistant", "content": "hello from " + *name},
			}},
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock node '%s' advertising %v on %s", *name, advertised, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func generateHandler(name string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		words := []string{"hello", "from", "mock", "node", name}
		if req.Stream != nil && !*req.Stream {
			writeJSON(w, map[string]any{
				"model":             req.Model,
				"response":          strings.Join(words, " "),
				"done":              true,
				"eval_count":        len(words),
				"prompt_eval_count": 2,
			})
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fl, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, word := range words {
			enc.Encode(map[string]any{"model": req.Model, "response": word + " ", "done": false})
			if fl != nil {
				fl.Flush()
			}
			time.Sleep(delay)
		}
		enc.Encode(map[string]any{
			"model":             req.Model,
			"response":          "",
			"done":              true,
			"eval_count":        len(words),
			"prompt_eval_count": 2,
		})
	}
}

func chatHandler(name string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		content := "hello from mock node " + name
		if req.Stream != nil && !*req.Stream {
			writeJSON(w, map[string]any{
				"model":   req.Model,
				"message": map[string]string{"role": "assistant", "content": content},
				"done":    true,
			})
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fl, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, word := range strings.Fields(content) {
			enc.Encode(map[string]any{
				"model":   req.Model,
				"message": map[string]string{"role": "assistant", "content": word + " "},
				"done":    false,
			})
			if fl != nil {
				fl.Flush()
			}
			time.Sleep(delay)
		}
		enc.Encode(map[string]any{"model": req.Model, "done": true})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
