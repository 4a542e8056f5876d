package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/5TFG4/weaver/internal/app/runmanager"
	"github.com/5TFG4/weaver/internal/domain/runstore"
)

func (s *httpServer) listRuns(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	page, pageSize, err := parsePagination(params)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	query := runstore.Query{
		Status:   runstore.Status(firstValue(params, "status")),
		Page:     page,
		PageSize: pageSize,
	}
	runs, total, err := s.runs.List(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []runstore.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *httpServer) createRun(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var req runmanager.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, fmt.Errorf("decode payload: %w", err))
		return
	}
	run, err := s.runs.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *httpServer) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, runDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "run id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		run, err := s.runs.Get(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch strings.TrimSpace(action) {
	case "start":
		if err := s.runs.Start(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
	case "stop":
		if err := s.runs.Stop(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
