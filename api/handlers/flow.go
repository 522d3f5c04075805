package handlers

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow"
	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/types"
	"github.com/BaSui01/botflow/workflow"
)

// =============================================================================
// 🔀 流程 API Handler
// =============================================================================

// BreakerReader 查询模型熔断状态，*guard.Guard 实现该接口
type BreakerReader interface {
	BreakerStatus(ctx context.Context, modelID string) (guard.BreakerStatus, error)
}

// FlowHandler 流程定义、实例与触发接口
type FlowHandler struct {
	runtime *botflow.Runtime
	engine  *workflow.Engine
	breaker BreakerReader
	logger  *zap.Logger
}

// NewFlowHandler 创建流程处理器；breaker 为 nil 时不注册熔断查询路由
func NewFlowHandler(rt *botflow.Runtime, breaker BreakerReader, logger *zap.Logger) *FlowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowHandler{
		runtime: rt,
		engine:  rt.Engine(),
		breaker: breaker,
		logger:  logger.With(zap.String("component", "flow_handler")),
	}
}

// Register 在 mux 上注册 /api/v1 路由
func (h *FlowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/trigger", h.HandleTrigger)

	mux.HandleFunc("GET /api/v1/flows", h.HandleListFlows)
	mux.HandleFunc("POST /api/v1/flows", h.HandleCreateFlow)
	mux.HandleFunc("POST /api/v1/flows/import", h.HandleImportFlows)
	mux.HandleFunc("GET /api/v1/flows/{id}", h.HandleGetFlow)
	mux.HandleFunc("PATCH /api/v1/flows/{id}", h.HandleUpdateFlow)
	mux.HandleFunc("DELETE /api/v1/flows/{id}", h.HandleDeleteFlow)
	mux.HandleFunc("POST /api/v1/flows/{id}/activate", h.HandleSetActive(true))
	mux.HandleFunc("POST /api/v1/flows/{id}/deactivate", h.HandleSetActive(false))

	mux.HandleFunc("GET /api/v1/instances", h.HandleListInstances)
	mux.HandleFunc("GET /api/v1/instances/{id}", h.HandleGetInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", h.HandleCancelInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/logs", h.HandleInstanceLogs)

	if h.breaker != nil {
		mux.HandleFunc("GET /api/v1/guard/breakers/{model}", h.HandleBreakerStatus)
	}
}

// =============================================================================
// 🚀 触发
// =============================================================================

// TriggerResponse 触发结果。同步模式下部分流程失败时 Error 非空。
type TriggerResponse struct {
	Instances []*workflow.FlowInstance `json:"instances"`
	Error     string                   `json:"error,omitempty"`
}

// HandleTrigger POST /api/v1/trigger
func (h *FlowHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req botflow.TriggerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TriggerType == "" {
		WriteErrorMessage(w, types.ErrValidation, "trigger_type is required", h.logger)
		return
	}
	if req.RobotID != "" {
		r = r.WithContext(types.WithRobotID(r.Context(), req.RobotID))
	}

	instances, err := h.runtime.Trigger(r.Context(), req)
	if err != nil && (!req.Sync || len(instances) == 0) {
		WriteError(w, err, h.logger)
		return
	}

	resp := TriggerResponse{Instances: instances}
	if resp.Instances == nil {
		resp.Instances = []*workflow.FlowInstance{}
	}
	if err != nil {
		resp.Error = err.Error()
	}

	status := http.StatusOK
	if !req.Sync && len(instances) > 0 {
		status = http.StatusAccepted
	}
	WriteStatus(w, status, resp)
}

// =============================================================================
// 📋 定义
// =============================================================================

// HandleListFlows GET /api/v1/flows?trigger_type=&name=&active=&limit=&offset=
func (h *FlowHandler) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.DefinitionFilter{
		TriggerType: workflow.TriggerType(q.Get("trigger_type")),
		Name:        q.Get("name"),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorMessage(w, types.ErrInvalidRequest, "query parameter active must be a boolean", h.logger)
			return
		}
		filter.IsActive = &active
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	defs, err := h.engine.ListFlowDefinitions(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if defs == nil {
		defs = []*workflow.FlowDefinition{}
	}
	WriteSuccess(w, defs)
}

// HandleCreateFlow POST /api/v1/flows
func (h *FlowHandler) HandleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var def workflow.FlowDefinition
	if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
		return
	}
	created, err := h.engine.CreateFlowDefinition(r.Context(), &def)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, created)
}

// HandleImportFlows POST /api/v1/flows/import
//
// 请求体为 YAML 或 JSON（单个定义或数组），格式取自 ?format= 或 Content-Type，
// 都没有时按首字符判断。
func (h *FlowHandler) HandleImportFlows(w http.ResponseWriter, r *http.Request) {
	data, err := ReadBody(w, r, h.logger)
	if err != nil {
		return
	}
	defs, err := workflow.ParseDefinitions(data, importFormat(r))
	if err != nil {
		WriteError(w, types.NewError(types.ErrValidation, "failed to parse definitions").WithCause(err), h.logger)
		return
	}
	res, err := h.runtime.Import(r.Context(), defs)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

func importFormat(r *http.Request) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return strings.ToLower(f)
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(mediaType, "yaml"):
		return "yaml"
	case strings.Contains(mediaType, "json"):
		return "json"
	default:
		return ""
	}
}

// HandleGetFlow GET /api/v1/flows/{id}
func (h *FlowHandler) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	def, err := h.engine.GetFlowDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleUpdateFlow PATCH /api/v1/flows/{id}
func (h *FlowHandler) HandleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	var patch workflow.DefinitionPatch
	if err := DecodeJSONBody(w, r, &patch, h.logger); err != nil {
		return
	}
	def, err := h.engine.UpdateFlowDefinition(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleDeleteFlow DELETE /api/v1/flows/{id}
func (h *FlowHandler) HandleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteFlowDefinition(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetActive POST /api/v1/flows/{id}/activate|deactivate
func (h *FlowHandler) HandleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var (
			def *workflow.FlowDefinition
			err error
		)
		if active {
			def, err = h.engine.ActivateFlowDefinition(r.Context(), id)
		} else {
			def, err = h.engine.DeactivateFlowDefinition(r.Context(), id)
		}
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteSuccess(w, def)
	}
}

// =============================================================================
// 🧾 实例
// =============================================================================

// HandleListInstances GET /api/v1/instances?flow_id=&status=&limit=&offset=
func (h *FlowHandler) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.InstanceFilter{
		FlowDefinitionID: q.Get("flow_id"),
		Status:           workflow.InstanceStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	instances, err := h.engine.ListFlowInstances(r.Context(), filter)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if instances == nil {
		instances = []*workflow.FlowInstance{}
	}
	WriteSuccess(w, instances)
}

// HandleGetInstance GET /api/v1/instances/{id}
func (h *FlowHandler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetFlowInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// CancelRequest 取消请求体，可省略
type CancelRequest struct {
	Reason string `json:"reason"`
}

// HandleCancelInstance POST /api/v1/instances/{id}/cancel
//
// 已结束的实例返回 409。
func (h *FlowHandler) HandleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	id := r.PathValue("id")
	inst, err := h.engine.CancelFlowInstance(r.Context(), id, req.Reason)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if inst == nil {
		WriteError(w, types.Errorf(types.ErrInvalidTransition, "flow instance %s already finished", id), h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleInstanceLogs GET /api/v1/instances/{id}/logs?node_id=&status=
func (h *FlowHandler) HandleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.engine.GetFlowInstance(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	q := r.URL.Query()
	logs, err := h.engine.GetFlowExecutionLogs(r.Context(), workflow.LogFilter{
		FlowInstanceID: id,
		NodeID:         q.Get("node_id"),
		Status:         workflow.LogStatus(q.Get("status")),
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if logs == nil {
		logs = []*workflow.FlowExecutionLog{}
	}
	WriteSuccess(w, logs)
}

// =============================================================================
// 🛡️ 保护层
// =============================================================================

// HandleBreakerStatus GET /api/v1/guard/breakers/{model}
func (h *FlowHandler) HandleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.breaker.BreakerStatus(r.Context(), r.PathValue("model"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, status)
}
