package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/idempotency"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/workflow"
	"github.com/pitabwire/officeflow/model"
)

// IdempotencyKeyHeader carries the client key for create requests.
const IdempotencyKeyHeader = "Idempotency-Key"

type instanceList struct {
	Items   []model.Instance `json:"items"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

type createInstanceRequest struct {
	TemplateID string         `json:"template_id"`
	Title      string         `json:"title"`
	Data       map[string]any `json:"data"`
}

// instanceCreator runs CreateInstance, replaying the stored response when the
// request carries an Idempotency-Key seen before.
type instanceCreator struct {
	engine    *workflow.Engine
	store     idempotency.Store
	ttl       time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
	sensitive []string
}

func (c *instanceCreator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rctx, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var body createInstanceRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	observability.RequestLogger(r.Context(), c.logger).Debug("create instance request",
		zap.String("template_id", body.TemplateID),
		zap.Any("data", observability.RedactData(body.Data, c.sensitive)),
	)

	clientKey := r.Header.Get(IdempotencyKeyHeader)
	if c.store == nil || clientKey == "" {
		inst, err := c.engine.CreateInstance(r.Context(), body.TemplateID, body.Title, body.Data, rctx.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
		return
	}

	// 1. Replay a stored response for the same key and payload.
	key := idempotency.Key("instance_create", rctx.ActorID, clientKey)
	hash := idempotency.Hash(body)
	prev, found, err := c.store.Check(r.Context(), key, hash)
	if err != nil {
		if !found {
			observability.RequestLogger(r.Context(), c.logger).Error("idempotency lookup failed", zap.Error(err))
		}
		WriteError(w, err)
		return
	}
	if found {
		if c.metrics != nil {
			c.metrics.RecordIdempotentReplay()
		}
		w.Header().Set("Idempotent-Replayed", "true")
		WriteJSON(w, prev.Status, prev.Body)
		return
	}

	// 2. Create the instance.
	inst, err := c.engine.CreateInstance(r.Context(), body.TemplateID, body.Title, body.Data, rctx.ActorID)
	if err != nil {
		WriteError(w, err)
		return
	}

	// 3. Remember the response. A failed save only loses deduplication.
	if raw, err := json.Marshal(inst); err == nil {
		result := idempotency.Result{Status: http.StatusCreated, Body: raw}
		if err := c.store.Save(r.Context(), key, hash, result, c.ttl); err != nil {
			observability.RequestLogger(r.Context(), c.logger).Warn("idempotency save failed", zap.Error(err))
		}
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := queryInt(r, "page", 1)
		perPage := queryInt(r, "per_page", defaultPerPage)
		if perPage > maxPerPage {
			perPage = maxPerPage
		}

		items, total, err := engine.ListInstances(r.Context(), workflow.InstanceFilters{
			TemplateID: q.Get("template_id"),
			Status:     q.Get("status"),
			CreatedBy:  q.Get("created_by"),
			Limit:      perPage,
			Offset:     (page - 1) * perPage,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		if items == nil {
			items = []model.Instance{}
		}
		WriteJSON(w, http.StatusOK, instanceList{Items: items, Total: total, Page: page, PerPage: perPage})
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := engine.History(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
	}
}

func handleInstanceApprovals(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvals, err := engine.Approvals(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": approvals})
	}
}

func handleInstanceSubmit(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}
		inst, err := engine.Submit(r.Context(), chi.URLParam(r, "instanceId"), rctx.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceDecide(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var body struct {
			Action  string `json:"action"`
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Decide(r.Context(),
			chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"),
			rctx.ActorID, body.Action, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceAuto(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}
		inst, err := engine.Auto(r.Context(), chi.URLParam(r, "instanceId"), chi.URLParam(r, "stepId"), rctx.ActorID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Cancel(r.Context(), chi.URLParam(r, "instanceId"), rctx.ActorID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}
