package server

import (
	gerrors "errors"
	"net/http"
	"strings"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/inventory"
)

// controlHandler dispatches the /api/orchestrator subtree by hand. The
// tree mixes static segments with server IDs and model names, and model
// names may themselves contain slashes, so segments are split here
// instead of in the router.
func (s *Server) controlHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/orchestrator"), "/")
		parts := strings.Split(rest, "/")
		switch parts[0] {
		case "servers":
			s.controlServers(w, r, parts[1:])
		case "model-map":
			if len(parts) != 1 || r.Method != http.MethodGet {
				writeError(w, r, errors.ErrNotFound)
				return
			}
			writeJSON(w, http.StatusOK, s.orch.Inventory().ModelMap())
		case "queue":
			s.controlQueue(w, r, parts[1:])
		case "circuit-breakers":
			s.controlBreakers(w, r, parts[1:])
		case "bans":
			s.controlBans(w, r, parts[1:])
		default:
			writeError(w, r, errors.ErrNotFound)
		}
	})
}

func (s *Server) controlServers(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0:
		if r.Method != http.MethodGet {
			writeError(w, r, errors.ErrMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"servers": s.orch.Inventory().Snapshots()})

	case len(parts) == 1 && parts[0] == "add":
		if r.Method != http.MethodPost {
			writeError(w, r, errors.ErrMethodNotAllowed)
			return
		}
		s.addServer(w, r)

	case len(parts) == 1:
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			b, ok := s.orch.Inventory().Get(id)
			if !ok {
				writeError(w, r, errors.ErrNotFound.WithDetails("no server "+id))
				return
			}
			writeJSON(w, http.StatusOK, b.Snapshot())
		case http.MethodDelete:
			if err := s.orch.RemoveServer(id); err != nil {
				writeError(w, r, errors.ErrNotFound.WithDetails(err.Error()))
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"removed": id})
		case http.MethodPatch:
			s.patchServer(w, r, id)
		default:
			writeError(w, r, errors.ErrMethodNotAllowed)
		}

	case len(parts) == 2 && r.Method == http.MethodPost:
		s.serverAction(w, r, parts[0], parts[1])

	default:
		writeError(w, r, errors.ErrNotFound)
	}
}

func (s *Server) addServer(w http.ResponseWriter, r *http.Request) {
	body, apiErr := readBody(w, r, s.orch.Config().Server.MaxBodyBytes)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	var spec backend.Spec
	if apiErr := decodeJSON(body, &spec); apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	if spec.BaseURL == "" {
		writeError(w, r, errors.ErrBadRequest.WithDetails("base_url is required"))
		return
	}
	b, err := s.orch.AddServer(spec)
	if err != nil {
		writeError(w, r, errors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, b.Snapshot())
}

// serverPatch uses pointers so absent fields leave the current value
// alone. ID and base URL are immutable; changing them is remove + add.
type serverPatch struct {
	APIKey            *string           `json:"api_key"`
	MaxConcurrency    *int              `json:"max_concurrency"`
	Draining          *bool             `json:"draining"`
	Maintenance       *bool             `json:"maintenance"`
	MaintenanceReason *string           `json:"maintenance_reason"`
	Hardware          *backend.Hardware `json:"hardware"`
}

func (s *Server) patchServer(w http.ResponseWriter, r *http.Request, id string) {
	b, ok := s.orch.Inventory().Get(id)
	if !ok {
		writeError(w, r, errors.ErrNotFound.WithDetails("no server "+id))
		return
	}
	body, apiErr := readBody(w, r, s.orch.Config().Server.MaxBodyBytes)
	if apiErr != nil {
		writeError(w, r, apiErr)
		return
	}
	var patch serverPatch
	if apiErr := decodeJSON(body, &patch); apiErr != nil {
		writeError(w, r, apiErr)
		return
	}

	spec := b.PersistSpec()
	if patch.APIKey != nil {
		spec.APIKey = *patch.APIKey
	}
	if patch.MaxConcurrency != nil {
		spec.MaxConcurrency = *patch.MaxConcurrency
	}
	if patch.Draining != nil {
		spec.Draining = *patch.Draining
	}
	if patch.Maintenance != nil {
		spec.Maintenance = *patch.Maintenance
	}
	if patch.MaintenanceReason != nil {
		spec.MaintenanceReason = *patch.MaintenanceReason
	}
	if patch.Hardware != nil {
		spec.Hardware = patch.Hardware
	}

	updated, err := s.orch.UpdateServer(id, spec)
	if err != nil {
		writeError(w, r, errors.ErrNotFound.WithDetails(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, updated.Snapshot())
}

type maintenanceRequest struct {
	On     *bool  `json:"on"`
	Reason string `json:"reason"`
}

func (s *Server) serverAction(w http.ResponseWriter, r *http.Request, id, action string) {
	inv := s.orch.Inventory()
	var err error
	switch action {
	case "drain":
		err = inv.SetDraining(id, true)
	case "undrain":
		err = inv.SetDraining(id, false)
	case "maintenance":
		body, apiErr := readBody(w, r, s.orch.Config().Server.MaxBodyBytes)
		if apiErr != nil {
			writeError(w, r, apiErr)
			return
		}
		req := maintenanceRequest{}
		if len(body) > 0 {
			if apiErr := decodeJSON(body, &req); apiErr != nil {
				writeError(w, r, apiErr)
				return
			}
		}
		// Bare POST means enter maintenance.
		on := req.On == nil || *req.On
		err = inv.SetMaintenance(id, on, req.Reason)
	default:
		writeError(w, r, errors.ErrNotFound)
		return
	}
	if err != nil {
		if gerrors.Is(err, inventory.ErrNotFound) {
			writeError(w, r, errors.ErrNotFound.WithDetails(err.Error()))
			return
		}
		writeError(w, r, errors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	b, _ := inv.Get(id)
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) controlQueue(w http.ResponseWriter, r *http.Request, parts []string) {
	q := s.orch.Queue()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, q.Snapshot())
	case len(parts) == 1 && r.Method == http.MethodPost && parts[0] == "pause":
		q.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	case len(parts) == 1 && r.Method == http.MethodPost && parts[0] == "resume":
		q.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	default:
		writeError(w, r, errors.ErrNotFound)
	}
}

func (s *Server) controlBreakers(w http.ResponseWriter, r *http.Request, parts []string) {
	reg := s.orch.Breakers()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, reg.PersistedState())

	case len(parts) >= 2 && r.Method == http.MethodGet:
		p := backend.PairOf(parts[0], strings.Join(parts[1:], "/"))
		b, ok := reg.Peek(p)
		if !ok {
			writeError(w, r, errors.ErrNotFound.WithDetails("no circuit recorded for "+p.String()))
			return
		}
		writeJSON(w, http.StatusOK, b.Snapshot())

	case len(parts) >= 3 && r.Method == http.MethodPost:
		action := parts[len(parts)-1]
		p := backend.PairOf(parts[0], strings.Join(parts[1:len(parts)-1], "/"))
		switch action {
		case "reset":
			reg.Remove(p)
		case "open":
			reg.ForceOpen(p)
		case "close":
			reg.ForceClose(p)
		case "half-open":
			reg.ForceHalfOpen(p)
		default:
			writeError(w, r, errors.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"server_id": p.BackendID,
			"model":     p.Model,
			"action":    action,
			"state":     reg.State(p).String(),
		})

	default:
		writeError(w, r, errors.ErrNotFound)
	}
}

type banRequest struct {
	ServerID string `json:"server_id"`
	Model    string `json:"model"`
}

func (s *Server) controlBans(w http.ResponseWriter, r *http.Request, parts []string) {
	bans := s.orch.Bans()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"bans": bans.Keys(), "count": bans.Len()})

	case len(parts) == 0 && r.Method == http.MethodPost:
		body, apiErr := readBody(w, r, s.orch.Config().Server.MaxBodyBytes)
		if apiErr != nil {
			writeError(w, r, apiErr)
			return
		}
		var req banRequest
		if apiErr := decodeJSON(body, &req); apiErr != nil {
			writeError(w, r, apiErr)
			return
		}
		if req.ServerID == "" || req.Model == "" {
			writeError(w, r, errors.ErrBadRequest.WithDetails("server_id and model are required"))
			return
		}
		p := backend.PairOf(req.ServerID, req.Model)
		added := bans.Ban(p)
		writeJSON(w, http.StatusOK, map[string]any{
			"server_id": p.BackendID,
			"model":     p.Model,
			"added":     added,
		})

	case len(parts) == 0 && r.Method == http.MethodDelete:
		writeJSON(w, http.StatusOK, map[string]int{"cleared": bans.Clear()})

	case len(parts) >= 2 && r.Method == http.MethodDelete:
		p := backend.PairOf(parts[0], strings.Join(parts[1:], "/"))
		if !bans.Unban(p) {
			writeError(w, r, errors.ErrNotFound.WithDetails("no ban recorded for "+p.String()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"server_id": p.BackendID,
			"model":     p.Model,
			"status":    "unbanned",
		})

	default:
		writeError(w, r, errors.ErrNotFound)
	}
}
