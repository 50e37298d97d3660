package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/engine"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOpportunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetActive())
}

func (s *Server) handleGetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opp, ok := s.engine.Get(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "opportunity not found")
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

func (s *Server) handleMarkTaken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.MarkTaken(r.Context(), id, time.Now()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "taken"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	opts := engine.ScanOptions{SortBy: r.URL.Query().Get("sort_by")}
	active := s.engine.Scan(r.Context(), opts)
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			window = time.Duration(hours) * time.Hour
		}
	}
	writeJSON(w, http.StatusOK, s.engine.GetAnalytics(r.Context(), window))
}

func (s *Server) handlePlatformPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetPlatformPairs(r.Context()))
}

type linkRequest struct {
	VenueA     string  `json:"venue_a"`
	MarketIDA  string  `json:"market_id_a"`
	VenueB     string  `json:"venue_b"`
	MarketIDB  string  `json:"market_id_b"`
	Confidence float64 `json:"confidence"`
}

func (req linkRequest) keys() (domain.MarketKey, domain.MarketKey) {
	return domain.NewMarketKey(req.VenueA, req.MarketIDA), domain.NewMarketKey(req.VenueB, req.MarketIDB)
}

func (s *Server) handleLinkMarkets(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, b := req.keys()
	link, err := s.engine.LinkMarkets(r.Context(), a, b, req.Confidence)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleUnlinkMarkets(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, b := req.keys()
	if err := s.engine.UnlinkMarkets(r.Context(), a, b); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}
