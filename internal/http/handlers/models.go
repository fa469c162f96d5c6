package handlers

import (
	"net/http"
	"strings"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
)

type modelDTO struct {
	catalog.Model
	Kind           domain.JobKind `json:"kind"`
	Cost           int            `json:"cost"`
	RequiresImage  bool           `json:"requires_image"`
	RequiresFrames bool           `json:"requires_frames"`
}

// Models lists the catalog, optionally filtered by ?kind=image|video.
func (a *App) Models(w http.ResponseWriter, r *http.Request) {
	var models []catalog.Model
	switch kind := domain.JobKind(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("kind")))); kind {
	case "":
		models = a.Catalog.Models()
	case domain.JobKindImage, domain.JobKindVideo:
		models = a.Catalog.ModelsByKind(kind)
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "kind must be image or video")
		return
	}
	items := make([]modelDTO, 0, len(models))
	for _, m := range models {
		items = append(items, modelDTO{
			Model:          m,
			Kind:           m.Kind(),
			Cost:           m.Cost(),
			RequiresImage:  m.RequiresImage(),
			RequiresFrames: m.RequiresFrames(),
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"default_model": a.Catalog.DefaultModel(),
		"models":        items,
		"aspect_ratios": a.Catalog.AspectRatios(),
	})
}
