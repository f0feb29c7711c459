package http

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
	"github.com/fyrsmithlabs/slidereviewd/internal/review"
)

// imageKinds are the only image subdirectories the server exposes.
var imageKinds = map[string]bool{
	"label":     true,
	"macro":     true,
	"thumbnail": true,
}

type itemView struct {
	Record          records.Record    `json:"record"`
	Queue           queue.Item        `json:"queue"`
	ReadOnly        bool              `json:"read_only"`
	Prefill         records.Prefill   `json:"prefill"`
	Images          map[string]string `json:"images,omitempty"`
	DisplayPosition int               `json:"display_position"`
	DisplayTotal    int               `json:"display_total"`
}

type submitRequest struct {
	AccessionID    string `json:"accession_id" form:"accession_id"`
	Stain          string `json:"stain" form:"stain"`
	BlockNumber    string `json:"block_number" form:"block_number"`
	Complete       bool   `json:"complete" form:"complete"`
	Action         string `json:"action" form:"action"`
	IncompleteOnly bool   `json:"incomplete_only" form:"incomplete_only"`
}

type submitResponse struct {
	review.Result
	NextIndex *int `json:"next_index,omitempty"`
}

type indexRequest struct {
	Index int `json:"index" form:"index"`
}

type jumpRequest struct {
	// Position is 1-based within the current display list.
	Position       int  `json:"position" form:"position"`
	IncompleteOnly bool `json:"incomplete_only" form:"incomplete_only"`
}

type searchRequest struct {
	Term string `json:"term" form:"term"`
}

type historyEntry struct {
	OriginalIndex int        `json:"original_index"`
	AccessionID   string     `json:"accession_id"`
	Stain         string     `json:"stain"`
	CompletedBy   string     `json:"completed_by"`
	CompletedAt   *time.Time `json:"completed_at"`
}

func (s *Server) reviewer(c echo.Context) (string, error) {
	reviewer := strings.TrimSpace(c.Request().Header.Get(reviewerHeader))
	if reviewer == "" {
		reviewer = strings.TrimSpace(c.QueryParam("reviewer"))
	}
	if reviewer == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "reviewer identity is required")
	}
	return reviewer, nil
}

// refresh reloads the snapshot if it changed on disk and reseeds the queue
// so both views stay aligned.
func (s *Server) refresh(c echo.Context) error {
	reloaded, err := s.store.EnsureFresh()
	if err != nil {
		s.logger.Error("snapshot refresh failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "snapshot unavailable")
	}
	if !reloaded {
		return nil
	}
	completed := make(map[int]bool)
	for i, rec := range s.store.Records() {
		completed[i] = rec.IsComplete
	}
	if _, err := s.queue.Populate(c.Request().Context(), s.store.Len(), completed); err != nil {
		s.logger.Error("queue repopulation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"loaded":  s.store.Loaded(),
		"records": s.store.Len(),
	})
}

func (s *Server) assignNext(c echo.Context) error {
	reviewer, err := s.reviewer(c)
	if err != nil {
		return err
	}
	if err := s.refresh(c); err != nil {
		return err
	}

	assignment, err := s.queue.AssignNext(c.Request().Context(), reviewer)
	if err != nil {
		var exhausted *queue.ErrExhausted
		if errors.As(err, &exhausted) {
			return c.JSON(http.StatusOK, map[string]any{
				"queue_exhausted": true,
				"completed":       exhausted.Completed,
				"total":           exhausted.Total,
			})
		}
		s.logger.Error("assignment failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "assignment failed")
	}
	return c.JSON(http.StatusOK, assignment)
}

// getItem leases the requested item to the caller (read-only when another
// reviewer holds it) and returns everything the review form needs.
func (s *Server) getItem(c echo.Context) error {
	reviewer, err := s.reviewer(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "index must be an integer")
	}
	if err := s.refresh(c); err != nil {
		return err
	}

	rec, err := s.store.Get(index)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such record")
	}
	assignment, err := s.queue.AssignSpecific(c.Request().Context(), index, reviewer)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no such record")
		}
		s.logger.Error("lease acquisition failed", zap.Int("index", index), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lease acquisition failed")
	}
	prefill, err := s.store.PrefillSuggestions(index)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "prefill lookup failed")
	}

	incompleteOnly, _ := strconv.ParseBool(c.QueryParam("incomplete_only"))
	pos, total, _ := s.store.DisplayInfo(index, incompleteOnly)

	return c.JSON(http.StatusOK, itemView{
		Record:          rec,
		Queue:           assignment.Item,
		ReadOnly:        assignment.ReadOnly,
		Prefill:         prefill,
		Images:          imagePaths(rec.Identifier),
		DisplayPosition: pos,
		DisplayTotal:    total,
	})
}

// imagePaths maps the identifier onto the crop routes served by this
// process.
func imagePaths(identifier string) map[string]string {
	if identifier == "" {
		return nil
	}
	paths := make(map[string]string, len(imageKinds))
	for kind := range imageKinds {
		paths[kind] = fmt.Sprintf("/images/%s/%s.png", kind, identifier)
	}
	return paths
}

func (s *Server) submitItem(c echo.Context) error {
	reviewer, err := s.reviewer(c)
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "index must be an integer")
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.refresh(c); err != nil {
		return err
	}

	result, err := s.rec.Apply(c.Request().Context(), review.Request{
		Reviewer:      reviewer,
		OriginalIndex: index,
		AccessionID:   req.AccessionID,
		Stain:         req.Stain,
		BlockNumber:   req.BlockNumber,
		MarkComplete:  req.Complete,
		Action:        req.Action,
	})
	if err != nil {
		s.logger.Error("review submission failed",
			zap.Int("index", index),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save changes")
	}

	resp := submitResponse{Result: result}
	switch req.Action {
	case "next", "complete":
		next, err := s.queue.AssignNext(c.Request().Context(), reviewer)
		if err == nil {
			resp.NextIndex = &next.Item.OriginalIndex
		} else {
			var exhausted *queue.ErrExhausted
			if !errors.As(err, &exhausted) {
				s.logger.Warn("follow-up assignment failed", zap.Error(err))
			}
		}
	case "prev":
		if prev, ok := s.store.NavigationIndex(index, records.NavPrev, req.IncompleteOnly); ok {
			resp.NextIndex = &prev
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) releaseLease(c echo.Context) error {
	reviewer, err := s.reviewer(c)
	if err != nil {
		return err
	}
	var req indexRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.queue.Release(c.Request().Context(), req.Index, reviewer); err != nil {
		s.logger.Error("lease release failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "release failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "released"})
}

// jump resolves a 1-based position in the current display list to its
// record and leases it.
func (s *Server) jump(c echo.Context) error {
	reviewer, err := s.reviewer(c)
	if err != nil {
		return err
	}
	var req jumpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.refresh(c); err != nil {
		return err
	}

	indices := s.store.DisplayIndices(req.IncompleteOnly)
	if req.Position < 1 || req.Position > len(indices) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("position must be between 1 and %d", len(indices)))
	}
	index := indices[req.Position-1]

	assignment, err := s.queue.AssignSpecific(c.Request().Context(), index, reviewer)
	if err != nil {
		s.logger.Error("jump failed", zap.Int("index", index), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "jump failed")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"index":      index,
		"assignment": assignment,
	})
}

func (s *Server) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.refresh(c); err != nil {
		return err
	}
	index, ok := s.store.Search(req.Term)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"message": "No record matches that accession ID or identifier.",
		})
	}
	return c.JSON(http.StatusOK, map[string]int{"index": index})
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats unavailable")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"queue":   st,
		"records": s.store.Len(),
	})
}

func (s *Server) history(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := s.queue.History(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("history failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
	}

	entries := make([]historyEntry, 0, len(items))
	for _, item := range items {
		entry := historyEntry{
			OriginalIndex: item.OriginalIndex,
			CompletedBy:   item.CompletedBy,
			CompletedAt:   item.CompletedAt,
		}
		if rec, err := s.store.Get(item.OriginalIndex); err == nil {
			entry.AccessionID = rec.AccessionID
			entry.Stain = rec.Stain
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) serveImage(c echo.Context) error {
	kind := c.Param("kind")
	if !imageKinds[kind] {
		return echo.NewHTTPError(http.StatusNotFound, "unknown image type")
	}
	filename := c.Param("filename")
	if filename == "" || strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, `/\`) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid filename")
	}

	path := filepath.Join(s.imageDir, kind, filename)
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	}
	return c.File(path)
}
