package server

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/middleware"
	"github.com/modelherd/herd/internal/orchestrator"
)

// pinSeparator splits "llama3:8b--gpu-1" into model and backend pin.
const pinSeparator = "--"

// splitPin extracts a backend pin suffix from a model name. Backends may
// not be named with a leading dash, so an empty prefix is not a pin.
func splitPin(model string) (name, backendID string) {
	i := strings.LastIndex(model, pinSeparator)
	if i <= 0 {
		return model, ""
	}
	return model[:i], model[i+len(pinSeparator):]
}

// inferenceOpts fixes per-endpoint streaming behavior: native generate
// and chat stream unless the body opts out, the OpenAI surface and all
// embedding endpoints do not stream unless asked (or at all).
type inferenceOpts struct {
	defaultStream bool
	canStream     bool
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{defaultStream: true, canStream: true})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{defaultStream: true, canStream: true})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{})
}

func (s *Server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{canStream: true})
}

func (s *Server) handleOpenAICompletions(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{canStream: true})
}

func (s *Server) handleOpenAIEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.inference(w, r, inferenceOpts{})
}

// inference parses the body, resolves the model and any backend pin, and
// hands the request to the orchestrator. The response, success or
// upstream error, is written by the proxy; only routing failures are
// written here.
func (s *Server) inference(w http.ResponseWriter, r *http.Request, opts inferenceOpts) {
	cfg := s.orch.Config()

	body, apiErr := readBody(w, r, cfg.Server.MaxBodyBytes)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, r, errors.ErrBadRequest.WithDetails("body is not valid JSON"))
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, r, errors.ErrMissingModel)
		return
	}

	model, pinned := splitPin(model)
	if pinned != "" {
		rewritten, err := sjson.SetBytes(body, "model", model)
		if err != nil {
			writeError(w, r, errors.ErrBadRequest.WithDetails("rewriting model name: "+err.Error()))
			return
		}
		body = rewritten
	}

	streaming := opts.defaultStream
	if sv := gjson.GetBytes(body, "stream"); sv.Exists() {
		streaming = sv.Bool()
	}
	if streaming && !opts.canStream {
		streaming = false
	}
	if streaming && !cfg.Streaming.Enabled {
		// Streaming is globally off: ask the upstream for an aggregate
		// response instead of buffering a stream here.
		streaming = false
		if rewritten, err := sjson.SetBytes(body, "stream", false); err == nil {
			body = rewritten
		}
	}

	req := &orchestrator.Request{
		Model:     model,
		PinnedID:  pinned,
		Method:    http.MethodPost,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
		Streaming: streaming,
		ClientID:  middleware.ClientKey(r),
		Priority:  requestPriority(r),
		Debug:     wantsDebug(r),
	}

	if _, apiErr := s.orch.Execute(r.Context(), w, req); apiErr != nil {
		writeRoutingError(w, r, apiErr)
	}
}
