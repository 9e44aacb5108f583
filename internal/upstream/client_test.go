package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTags(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4661224676,"details":{"family":"llama"}},{"name":"mistral:7b"}]}`))
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Tags(context.Background(), srv.URL, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != 2 || resp.Models[0].Name != "llama3:8b" || resp.Models[1].Name != "mistral:7b" {
		t.Errorf("models = %+v", resp.Models)
	}
	if resp.Models[0].Size != 4661224676 {
		t.Errorf("Size = %d", resp.Models[0].Size)
	}
	if string(resp.Models[0].Details) != `{"family":"llama"}` {
		t.Errorf("Details = %s, want verbatim passthrough", resp.Models[0].Details)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestNoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Error("Authorization header sent without an API key")
		}
		w.Write([]byte(`{"version":"0.5.4"}`))
	}))
	defer srv.Close()

	c := New(Config{})
	v, err := c.Version(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if v != "0.5.4" {
		t.Errorf("Version = %q", v)
	}
}

func TestPs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ps" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3:8b","size_vram":5100000000}]}`))
	}))
	defer srv.Close()

	c := New(Config{})
	resp, err := c.Ps(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != 1 || resp.Models[0].SizeVRAM != 5100000000 {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestShowRelaysBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/show" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"license":"MIT","details":{"family":"llama"}}`))
	}))
	defer srv.Close()

	c := New(Config{})
	raw, err := c.Show(context.Background(), srv.URL, "", []byte(`{"model":"llama3:8b"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"license":"MIT"`) {
		t.Errorf("raw = %s", raw)
	}
}

func TestErrorDecoding(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ollama error field", 404, `{"error":"model \"nope\" not found"}`, `model "nope" not found`},
		{"message field", 500, `{"message":"loading model"}`, "loading model"},
		{"free text", 503, "server overloaded\n", "server overloaded"},
		{"truncated json", 502, `{"error":"cut off`, `{"error":"cut off`},
		{"empty body", 500, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(Config{})
			_, err := c.Tags(context.Background(), srv.URL, "")
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ue.Status != tt.status || ue.Message != tt.want {
				t.Errorf("Error = {%d %q}, want {%d %q}", ue.Status, ue.Message, tt.status, tt.want)
			}
		})
	}
}

func TestParseErrorBodyTruncates(t *testing.T) {
	long := strings.Repeat("x", 2*maxErrorMessageLen)
	got := ParseErrorBody([]byte(long))
	if len(got) > maxErrorMessageLen+3 {
		t.Errorf("len = %d, want truncated", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated message missing marker: %q", got[len(got)-8:])
	}
}
