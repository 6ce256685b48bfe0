package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/pipeline"
	"github.com/JakeFAU/travel-routes/internal/routes"
)

const (
	msgRouteNotFound = "train route not found"
	msgSynced        = "Train routes synced successfully"
	msgSyncedPartial = "Train routes synced with failures"
)

type syncResponse struct {
	Message string          `json:"message"`
	Report  pipeline.Report `json:"report"`
}

type syncErrorResponse struct {
	Error  string          `json:"error"`
	Cause  string          `json:"cause"`
	Report pipeline.Report `json:"report"`
}

// listRoutes handles GET /routes?search=&minPrice=&maxPrice=&maxDuration=&limit=&offset=.
// It returns a JSON array ordered by name, 400 for invalid filters or 500 if
// the store fails.
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.queries.Find(r.Context(), filter)
	if err != nil {
		if errors.Is(err, routes.ErrInvalidFilter) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list routes failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list train routes")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// getRoute handles GET /routes/{id}.
func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.queries.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, routes.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgRouteNotFound)
			return
		}
		s.logger.Error("get route failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get train route")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// triggerSync handles POST /routes/sync. The run is detached from the client
// connection and bounded by the pipeline's own timeout, so a dropped client
// never leaves a batch half applied.
func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncer.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		cause := pipeline.Cause(err)
		s.logger.Error("sync request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("cause", cause),
			zap.Error(err),
		)
		// Per-record errors carry driver messages.
		report.Errors = nil
		writeJSON(w, http.StatusInternalServerError, syncErrorResponse{
			Error:  "failed to sync train routes",
			Cause:  cause,
			Report: report,
		})
		return
	}
	msg := msgSynced
	if report.Outcome == pipeline.OutcomePartial {
		msg = msgSyncedPartial
	}
	writeJSON(w, http.StatusOK, syncResponse{Message: msg, Report: report})
}

// lastSync handles GET /routes/sync/last.
func (s *Server) lastSync(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.syncer.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseFilter(r *http.Request) (routes.Filter, error) {
	q := r.URL.Query()
	filter := routes.Filter{
		Search:      strings.TrimSpace(q.Get("search")),
		MinPrice:    strings.TrimSpace(q.Get("minPrice")),
		MaxPrice:    strings.TrimSpace(q.Get("maxPrice")),
		MaxDuration: strings.TrimSpace(q.Get("maxDuration")),
	}
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return routes.Filter{}, errors.New("invalid limit")
		}
		filter.Limit = val
	}
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return routes.Filter{}, errors.New("invalid offset")
		}
		filter.Offset = val
	}
	return filter, nil
}
