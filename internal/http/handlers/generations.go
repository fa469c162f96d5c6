package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/dispatcher"
	"genstudio/internal/domain"
)

type generateRequest struct {
	Prompt  string        `json:"prompt"`
	ModelID string        `json:"model_id"`
	Params  domain.Params `json:"params"`
}

type generateResponse struct {
	JobID            string          `json:"job_id"`
	State            domain.JobState `json:"state"`
	CreditsCharged   int             `json:"credits_charged"`
	CreditsRemaining int             `json:"credits_remaining"`
}

func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Dispatcher.Submit(r.Context(), dispatcher.SubmitRequest{
		AccountID: userID,
		Prompt:    req.Prompt,
		ModelID:   req.ModelID,
		Params:    req.Params,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, generateResponse{
		JobID:            res.JobID,
		State:            res.State,
		CreditsCharged:   res.CreditsCharged,
		CreditsRemaining: res.CreditsRemaining,
	})
}

func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	view, err := a.Status.Get(r.Context(), userID, jobID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, view)
}

func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "limit must be a number")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil || offset < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "offset must be a non-negative number")
		return
	}
	page, err := a.Status.ListCompleted(r.Context(), userID, limit, offset)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, page)
}

func (a *App) GenerationsDelete(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "id")
	if err := a.Status.Delete(r.Context(), userID, jobID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"deleted": true, "job_id": jobID})
}

// GenerationsArchive streams a zip of the durable artifacts named by ?ids=.
func (a *App) GenerationsArchive(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var ids []string
	for _, raw := range r.URL.Query()["ids"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	filename := fmt.Sprintf("generations-%s.zip", time.Now().UTC().Format("20060102-150405"))
	aw := &archiveWriter{w: w, filename: filename}
	if _, err := a.Status.Archive(r.Context(), userID, ids, aw); err != nil {
		if aw.started {
			// headers are gone; the client sees a truncated archive
			a.Logger.Error().Err(err).Str("account_id", userID).Msg("archive aborted")
			return
		}
		a.fail(w, r, err)
	}
}

// archiveWriter defers the zip headers until the first byte so errors
// raised before any output can still be reported as JSON.
type archiveWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (aw *archiveWriter) Write(p []byte) (int, error) {
	if !aw.started {
		aw.started = true
		aw.w.Header().Set("Content-Type", "application/zip")
		aw.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", aw.filename))
		aw.w.WriteHeader(http.StatusOK)
	}
	return aw.w.Write(p)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
