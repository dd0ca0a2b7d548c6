package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codyaverett/wasm-container/api"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	running := 0
	total := 0
	for summary := range s.ctrl.List(true) {
		total++
		if summary.State == api.StateRunning {
			running++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"version":            s.version,
		"driver":             "wazero",
		"containers":         total,
		"containers_running": running,
		"images":             len(s.images.List()),
		"reserved_ports":     s.net.ActiveReservations(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap.Uptime = int(time.Since(s.started).Seconds())
	for range s.ctrl.List(true) {
		snap.Containers++
	}
	snap.ReservedPorts = s.net.ActiveReservations()
	snap.DroppedRoutes = s.net.Dropped()
	WriteJSON(w, http.StatusOK, snap)
}

// handleEvents streams lifecycle and network events as newline-delimited
// JSON until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	subID := uuid.New().String()
	ch := s.ctrl.Events().Subscribe(subID)
	defer s.ctrl.Events().Unsubscribe(subID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var cfg api.ContainerConfig
	if err := ReadJSON(r, &cfg); err != nil {
		WriteError(w, &api.InvalidConfigError{Message: err.Error()})
		return
	}
	record, err := s.ctrl.Create(r.Context(), cfg)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, record)
}

func (s *Server) handleContainerList(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "1" || r.URL.Query().Get("all") == "true"
	summaries := make([]api.ContainerSummary, 0)
	for summary := range s.ctrl.List(all) {
		summaries = append(summaries, summary)
	}
	WriteJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	record, err := s.ctrl.Inspect(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleContainerStart(w http.ResponseWriter, r *http.Request) {
	record, err := s.ctrl.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleContainerStop(w http.ResponseWriter, r *http.Request) {
	grace := -time.Second
	if v := r.URL.Query().Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			WriteError(w, &api.InvalidConfigError{Message: "bad grace duration: " + v})
			return
		}
		grace = d
	}
	record, err := s.ctrl.Stop(r.Context(), r.PathValue("id"), grace)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleContainerKill(w http.ResponseWriter, r *http.Request) {
	record, err := s.ctrl.Kill(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

func (s *Server) handleContainerWait(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Wait(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleContainerRemove(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
	if err := s.ctrl.Remove(r.Context(), r.PathValue("id"), force); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleContainerLogs returns the captured output; with follow set it
// keeps streaming new output until the container exits or the client
// disconnects.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"
	if !follow {
		logs, err := s.ctrl.Logs(r.PathValue("id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(logs)
		return
	}

	backlog, ch, cancel, err := s.ctrl.FollowLogs(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(backlog)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctrl.Stats(r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleContainerPrune(w http.ResponseWriter, r *http.Request) {
	pruned := s.ctrl.PruneRemoved()
	WriteJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

func (s *Server) handleImageList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.images.List())
}

func (s *Server) handleImageLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dir string `json:"dir"`
	}
	if err := ReadJSON(r, &req); err != nil || req.Dir == "" {
		WriteError(w, &api.InvalidConfigError{Message: "image load requires a dir"})
		return
	}
	if err := s.images.LoadDir(req.Dir); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.images.List())
}

func (s *Server) handleImageRemove(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		WriteError(w, &api.InvalidConfigError{Message: "image remove requires a ref"})
		return
	}
	if err := s.images.Remove(ref); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
