package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plover-labs/feedflow/nodes"
	"github.com/plover-labs/feedflow/pipeline"
	"github.com/plover-labs/feedflow/registry"
)

// feedEnvelope is the public wrapper of every feed page. Code zero means
// success; failures use the apiError envelope instead.
type feedEnvelope struct {
	Code int      `json:"code"`
	Data feedData `json:"data"`
	Msg  string   `json:"msg"`
}

// feedData is the payload of one feed page. Cursor is what the client
// sends back to fetch the next page.
type feedData struct {
	ServerTime string           `json:"server_time"`
	Cursor     string           `json:"cursor"`
	Items      []nodes.FeedItem `json:"items"`
	Trace      map[string]any   `json:"trace,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns all registered node types.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, registry.Global().Types())
}

// handleGraphs returns the ids of the currently loaded graph definitions.
func (s *Server) handleGraphs(w http.ResponseWriter, _ *http.Request) {
	if s.runtime == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "no pipeline runtime configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"graphs": s.runtime.Graphs()})
}

// handlePosts serves one page of the blended feed.
func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil || s.backend == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "no pipeline runtime configured")
		return
	}

	q := r.URL.Query()

	userID, err := userIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	count := pipeline.DefaultCount
	if raw := q.Get("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("count %q is not an integer", raw))
			return
		}
		if count < 1 || count > pipeline.MaxCount {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("count must be between 1 and %d", pipeline.MaxCount))
			return
		}
	}

	offset, seed := pipeline.ParseCursor(q.Get("cursor"))

	scene := q.Get("scene")
	if scene == "" {
		scene = "feed"
	}
	debug, _ := strconv.ParseBool(q.Get("debug"))

	req := pipeline.Request{
		UserID: userID,
		Count:  count,
		Offset: offset,
		Scene:  scene,
		Slot:   q.Get("slot"),
		Device: q.Get("device"),
		Geo:    q.Get("geo"),
		AB:     q.Get("ab"),
		Debug:  debug,
		Seed:   pipeline.SeedValue(seed),
	}

	start := time.Now()
	res, err := s.runtime.GetRecommendedItems(r.Context(), s.backend.Gateway(), req)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "feed request failed",
			"user_id", userID, "scene", scene, "error", err)
		writeError(w, http.StatusInternalServerError, "PIPELINE_ERROR", "feed is temporarily unavailable")
		return
	}

	s.logger.InfoContext(r.Context(), "feed page served",
		"user_id", userID,
		"scene", scene,
		"offset", offset,
		"items", len(res.Items),
		"elapsed", time.Since(start),
	)

	data := feedData{
		ServerTime: time.Now().UTC().Format(time.RFC3339),
		Cursor:     pipeline.NextCursor(offset, count, seed),
		Items:      res.Items,
	}
	if debug && res.Trace != nil {
		data.Trace = res.Trace.ToMap()
	}
	writeJSON(w, http.StatusOK, feedEnvelope{Code: 0, Data: data})
}

// userIDFromRequest resolves the requesting user. The user_id query
// parameter wins, then the X-User-Id header; absent means anonymous.
func userIDFromRequest(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("X-User-Id"))
	}
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("user_id %q is not an integer", raw)
	}
	return id, nil
}
