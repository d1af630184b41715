package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

type templateList struct {
	Items []model.Template `json:"items"`
	Total int              `json:"total"`
}

func handleTemplateList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := registry.List()
		if r.URL.Query().Get("active") == "true" {
			active := items[:0]
			for _, t := range items {
				if t.Active {
					active = append(active, t)
				}
			}
			items = active
		}
		w.Header().Set("ETag", strconv.Quote(registry.Checksum()))
		WriteJSON(w, http.StatusOK, templateList{Items: items, Total: len(items)})
	}
}

func handleTemplateGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templateID := chi.URLParam(r, "templateId")

		var (
			tmpl model.Template
			err  error
		)
		if v := r.URL.Query().Get("version"); v != "" {
			version, convErr := strconv.Atoi(v)
			if convErr != nil || version < 1 {
				WriteError(w, model.NewBadRequestError("version must be a positive integer"))
				return
			}
			tmpl, err = registry.GetTemplateVersion(templateID, version)
		} else {
			tmpl, err = registry.GetTemplate(templateID)
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tmpl)
	}
}

// handleTemplateCreate registers a template under a new id.
func handleTemplateCreate(registry *definition.Registry, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var tmpl model.Template
		if err := decodeJSON(r, &tmpl); err != nil {
			WriteError(w, err)
			return
		}
		if _, err := registry.GetTemplate(tmpl.ID); err == nil {
			WriteError(w, model.NewConflictError(fmt.Sprintf("template %q already exists", tmpl.ID)))
			return
		}
		tmpl.CreatedBy = rctx.ActorID

		registered, err := registry.Register(r.Context(), tmpl)
		recordRegistration(registry, metrics, err, "created")
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, registered)
	}
}

// handleTemplateUpdate registers a new version of an existing template. An
// identical definition returns the current version unchanged.
func handleTemplateUpdate(registry *definition.Registry, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templateID := chi.URLParam(r, "templateId")

		var tmpl model.Template
		if err := decodeJSON(r, &tmpl); err != nil {
			WriteError(w, err)
			return
		}
		if tmpl.ID != "" && tmpl.ID != templateID {
			WriteError(w, model.NewBadRequestError("template id in body does not match the path"))
			return
		}
		tmpl.ID = templateID

		current, err := registry.GetTemplate(templateID)
		if err != nil {
			WriteError(w, err)
			return
		}

		registered, err := registry.Register(r.Context(), tmpl)
		status := "updated"
		if err == nil && registered.Version == current.Version {
			status = "unchanged"
		}
		recordRegistration(registry, metrics, err, status)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, registered)
	}
}

func handleTemplateSetActive(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templateID := chi.URLParam(r, "templateId")

		var body struct {
			Active *bool `json:"active"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Active == nil {
			WriteError(w, model.NewBadRequestError("active is required"))
			return
		}

		tmpl, err := registry.SetActive(r.Context(), templateID, *body.Active)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tmpl)
	}
}

func recordRegistration(registry *definition.Registry, metrics *observability.Metrics, err error, status string) {
	if metrics == nil {
		return
	}
	if err != nil {
		status = "rejected"
	}
	metrics.RecordTemplateRegistration(status)
	metrics.SetTemplatesLoaded(float64(len(registry.List())))
}
