package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aki/wesd/internal/core/index"
	"github.com/aki/wesd/internal/core/lifecycle"
	"github.com/aki/wesd/internal/core/run"
	"github.com/aki/wesd/internal/core/run/state"
)

// RunID is the body returned by submit, cancel and delete
type RunID struct {
	RunID string `json:"run_id"`
}

// RunListResponse is one page of runs
type RunListResponse struct {
	Runs          []run.Summary `json:"runs"`
	NextPageToken string        `json:"next_page_token"`
	TotalRuns     int           `json:"total_runs"`
}

// BulkDeleteRequest names the runs to delete
type BulkDeleteRequest struct {
	RunIDs []string `json:"run_ids"`
}

// BulkDeleteResponse lists the deleted runs
type BulkDeleteResponse struct {
	RunIDs []string `json:"run_ids"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", lifecycle.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.orch.ServiceInfo(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req run.Request
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	runID, err := s.orch.Submit(r.Context(), &req, callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunID{RunID: runID})
}

// parseListOptions reads the query string of GET /runs. run_ids may be
// repeated or comma separated; tags are repeated key:value pairs.
func parseListOptions(r *http.Request) (lifecycle.ListOptions, error) {
	q := r.URL.Query()
	var opts lifecycle.ListOptions

	if v := q.Get("state"); v != "" {
		st, ok := state.Parse(v)
		if !ok {
			return opts, badRequest("unknown state %q", v)
		}
		opts.State = st
	}
	for _, v := range q["run_ids"] {
		for id := range strings.SplitSeq(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.RunIDs = append(opts.RunIDs, id)
			}
		}
	}
	opts.Tags = q["tags"]

	order, err := index.ParseSortOrder(q.Get("sort_order"))
	if err != nil {
		return opts, badRequest("%v", err)
	}
	opts.Sort = order

	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, badRequest("invalid page_size %q", v)
		}
		opts.PageSize = n
	}
	opts.PageToken = q.Get("page_token")

	if v := q.Get("latest"); v != "" {
		latest, err := strconv.ParseBool(v)
		if err != nil {
			return opts, badRequest("invalid latest %q", v)
		}
		opts.Latest = latest
	}
	return opts, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := callerFrom(r.Context())

	page, err := s.orch.List(r.Context(), opts, caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	// the page already refreshed the index
	opts.Latest = false
	total, err := s.orch.Count(r.Context(), opts, caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	runs := page.Runs
	if runs == nil {
		runs = []run.Summary{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{
		Runs:          runs,
		NextPageToken: page.NextPageToken,
		TotalRuns:     total,
	})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req BulkDeleteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.RunIDs) == 0 {
		s.fail(w, r, badRequest("run_ids must not be empty"))
		return
	}

	err := s.orch.BulkDelete(r.Context(), req.RunIDs, callerFrom(r.Context()))
	var bulkErr *lifecycle.BulkDeleteError
	if errors.As(err, &bulkErr) {
		writeError(w, http.StatusInternalServerError, bulkErr.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BulkDeleteResponse{RunIDs: req.RunIDs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.orch.Get(r.Context(), r.PathValue("run_id"), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Status(r.Context(), r.PathValue("run_id"), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.orch.Cancel(r.Context(), runID, callerFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunID{RunID: runID})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.orch.Delete(r.Context(), runID, callerFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RunID{RunID: runID})
}

func (s *Server) handleRoCrate(w http.ResponseWriter, r *http.Request) {
	doc, err := s.orch.RoCrate(r.Context(), r.PathValue("run_id"), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/ld+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	p, err := s.orch.OutputFile(r.Context(), r.PathValue("run_id"), r.PathValue("path"), callerFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.ServeFile(w, r, p)
}
