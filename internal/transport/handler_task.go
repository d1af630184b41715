package transport

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/workflow"
	"github.com/pitabwire/officeflow/model"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

type taskList struct {
	Items   []model.Task `json:"items"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

func handleTaskList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}
		page := queryInt(r, "page", 1)
		perPage := queryInt(r, "per_page", defaultPerPage)
		if perPage > maxPerPage {
			perPage = maxPerPage
		}

		tasks, total, err := engine.PendingTasks(r.Context(), rctx.ActorID, page, perPage)
		if err != nil {
			WriteError(w, err)
			return
		}
		if tasks == nil {
			tasks = []model.Task{}
		}
		WriteJSON(w, http.StatusOK, taskList{Items: tasks, Total: total, Page: page, PerPage: perPage})
	}
}

// handleRecover runs one recovery pass on demand.
func handleRecover(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.Recover(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.RequestLogger(r.Context(), logger).Info("recovery requested",
			zap.Int("scanned", report.Scanned),
			zap.Int("repaired", report.Repaired),
			zap.Int("unrecovered", report.Unrecovered),
		)
		WriteJSON(w, http.StatusOK, report)
	}
}

// actorFrom returns the request context or writes a 401.
func actorFrom(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}
