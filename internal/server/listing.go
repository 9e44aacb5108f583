package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/upstream"
)

// fanOutTimeout bounds each per-backend call of a fleet-wide listing.
// Fan-outs run on a detached context: the singleflight leader may be a
// request that disconnects, and its cancellation must not poison the
// answer handed to coalesced followers.
const fanOutTimeout = 5 * time.Second

// aggregatedTags merges /api/tags across the healthy fleet. Concurrent
// callers share one fan-out; backends that fail to answer are skipped
// so a single flaky node cannot blank the catalog.
func (s *Server) aggregatedTags() upstream.TagsResponse {
	v, _, _ := s.flights.Do("tags", func() (any, error) {
		backends := s.orch.HealthyBackends()
		results := make([][]upstream.ModelInfo, len(backends))
		var wg sync.WaitGroup
		for i, b := range backends {
			wg.Add(1)
			go func(i int, b *backend.Backend) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
				defer cancel()
				tr, err := s.orch.Upstream().Tags(ctx, b.BaseURL(), b.APIKey())
				if err != nil {
					logging.Debug("tags fan-out failed",
						zap.String("server", b.ID()),
						zap.Error(err))
					return
				}
				results[i] = tr.Models
			}(i, b)
		}
		wg.Wait()

		merged := make([]upstream.ModelInfo, 0)
		seen := make(map[string]bool)
		for _, models := range results {
			for _, m := range models {
				if seen[m.Name] {
					continue
				}
				seen[m.Name] = true
				merged = append(merged, m)
			}
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
		return upstream.TagsResponse{Models: merged}, nil
	})
	return v.(upstream.TagsResponse)
}

// aggregatedPs merges /api/ps across the healthy fleet, deduplicated by
// model name. The same model loaded on two nodes reports once.
func (s *Server) aggregatedPs() upstream.PsResponse {
	v, _, _ := s.flights.Do("ps", func() (any, error) {
		backends := s.orch.HealthyBackends()
		results := make([][]upstream.LoadedModel, len(backends))
		var wg sync.WaitGroup
		for i, b := range backends {
			wg.Add(1)
			go func(i int, b *backend.Backend) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
				defer cancel()
				pr, err := s.orch.Upstream().Ps(ctx, b.BaseURL(), b.APIKey())
				if err != nil {
					logging.Debug("ps fan-out failed",
						zap.String("server", b.ID()),
						zap.Error(err))
					return
				}
				results[i] = pr.Models
			}(i, b)
		}
		wg.Wait()

		merged := make([]upstream.LoadedModel, 0)
		seen := make(map[string]bool)
		for _, models := range results {
			for _, m := range models {
				if seen[m.Name] {
					continue
				}
				seen[m.Name] = true
				merged = append(merged, m)
			}
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
		return upstream.PsResponse{Models: merged}, nil
	})
	return v.(upstream.PsResponse)
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregatedTags())
}

func (s *Server) handlePs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.aggregatedPs())
}

// handleVersion reports the orchestrator's own version. Relaying a
// backend's version would misattribute the answering software.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// handleShow relays model metadata from one backend that has the model.
// Ollama clients send the model under "model" or the legacy "name" key.
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	body, apiErr := readBody(w, r, s.orch.Config().Server.MaxBodyBytes)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	field := "model"
	name := gjson.GetBytes(body, field)
	if !name.Exists() {
		field = "name"
		name = gjson.GetBytes(body, field)
	}
	model := name.String()
	if model == "" {
		writeError(w, r, errors.ErrMissingModel)
		return
	}
	model, pinned := splitPin(model)
	if pinned != "" {
		rewritten, err := sjson.SetBytes(body, field, model)
		if err != nil {
			writeError(w, r, errors.ErrBadRequest.WithDetails("rewriting model name: "+err.Error()))
			return
		}
		body = rewritten
	}

	var target *backend.Backend
	if pinned != "" {
		b, ok := s.orch.Inventory().Get(pinned)
		if !ok {
			writeError(w, r, errors.ErrModelNotFound.WithDetails("no backend named "+pinned))
			return
		}
		target = b
	} else {
		for _, b := range s.orch.Inventory().ServersForModel(model) {
			if b.AcceptingRequests() {
				target = b
				break
			}
		}
		if target == nil {
			writeError(w, r, errors.ErrModelNotFound.WithDetails("model "+model+" is not available on any server"))
			return
		}
	}

	raw, err := s.orch.Upstream().Show(r.Context(), target.BaseURL(), target.APIKey(), body)
	if err != nil {
		if ue, ok := err.(*upstream.Error); ok && ue.Status == http.StatusNotFound {
			writeError(w, r, errors.ErrModelNotFound.WithDetails(ue.Message))
			return
		}
		writeError(w, r, errors.ErrBadGateway.WithDetails(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openAIModelList struct {
	Object string        `json:"object"`
	Data   []openAIModel `json:"data"`
}

func toOpenAIModel(m upstream.ModelInfo) openAIModel {
	out := openAIModel{ID: m.Name, Object: "model", OwnedBy: "library"}
	if t, err := time.Parse(time.RFC3339, m.ModifiedAt); err == nil {
		out.Created = t.Unix()
	}
	return out
}

// handleOpenAIModels projects the fleet catalog into the OpenAI list
// shape. It shares the tags fan-out with /api/tags.
func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	tags := s.aggregatedTags()
	list := openAIModelList{Object: "list", Data: make([]openAIModel, 0, len(tags.Models))}
	for _, m := range tags.Models {
		list.Data = append(list.Data, toOpenAIModel(m))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOpenAIModel(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("model")
	name = strings.TrimPrefix(name, "/")
	name, _ = splitPin(name)
	for _, m := range s.aggregatedTags().Models {
		if m.Name == name {
			writeJSON(w, http.StatusOK, toOpenAIModel(m))
			return
		}
	}
	writeError(w, r, errors.ErrModelNotFound.WithDetails("model "+name+" is not available on any server"))
}
