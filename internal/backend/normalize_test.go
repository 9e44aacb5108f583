package backend

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "http://10.0.0.1:11434", "http://10.0.0.1:11434", false},
		{"trailing slash", "http://10.0.0.1:11434/", "http://10.0.0.1:11434", false},
		{"many trailing slashes", "http://10.0.0.1:11434///", "http://10.0.0.1:11434", false},
		{"surrounding space", "  http://host:11434  ", "http://host:11434", false},
		{"percent encoded slash", "http://host:11434%2F", "http://host:11434", false},
		{"double encoded", "http://host:11434%252F", "http://host:11434", false},
		{"path preserved", "http://host:11434/ollama", "http://host:11434/ollama", false},
		{"https", "https://gpu-7.fleet.local", "https://gpu-7.fleet.local", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"no scheme", "host:11434", "", true},
		{"bad scheme", "ftp://host:11434", "", true},
		{"missing host", "http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q) returned error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURLFixpoint(t *testing.T) {
	// Decoding then stripping must reach the same answer no matter how
	// many layers of encoding wrapped the original.
	layers := []string{
		"http://host:11434",
		"http://host:11434/",
		"http://host:11434%2F",
		"http://host:11434%252F",
		"http://host:11434%25252F",
	}
	for _, in := range layers {
		got, err := NormalizeURL(in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) returned error: %v", in, err)
		}
		if got != "http://host:11434" {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, "http://host:11434")
		}
	}
}

func TestEquivalentURL(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"http://host:11434", "http://host:11434/", true},
		{"http://host:11434", "http://host:11434%2F", true},
		{"http://host:11434", "http://other:11434", false},
		{"http://host:11434", "not a url", false},
		{"", "http://host:11434", false},
	}

	for _, tt := range tests {
		if got := EquivalentURL(tt.a, tt.b); got != tt.want {
			t.Errorf("EquivalentURL(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"llama3", "llama3"},
		{"LLaMA3", "llama3"},
		{"  mistral:7b  ", "mistral:7b"},
		{"LLaMA3 / Latest", "llama3/latest"},
		{"org / family / model", "org/family/model"},
		{"qwen2.5-coder:32b", "qwen2.5-coder:32b"},
		{"library/\tgemma", "library/gemma"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := NormalizeModel(tt.in); got != tt.want {
			t.Errorf("NormalizeModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
