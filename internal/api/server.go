package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"applytrail/internal/apperr"
	"applytrail/internal/importer"
	"applytrail/internal/logging"
	"applytrail/internal/model"
	"applytrail/internal/reminder"
	"applytrail/internal/schedule"
	"applytrail/internal/sweeper"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// UserHeader 携带调用方的用户 ID。
const UserHeader = "X-User-ID"

const maxBodyBytes = 4 << 20

// Importer 导入投递事件。
type Importer interface {
	Import(ctx context.Context, userID string, raw map[string]any) (importer.Result, error)
	ImportBulk(ctx context.Context, userID string, raws []map[string]any) []importer.BulkItem
}

// Schedules 管理投递计划。
type Schedules interface {
	Create(ctx context.Context, userID string, req schedule.CreateRequest) (*model.Schedule, error)
	Reschedule(ctx context.Context, userID, id string, req schedule.RescheduleRequest) (*model.Schedule, error)
	SubmitNow(ctx context.Context, userID, id, source string) (*model.Schedule, error)
	Cancel(ctx context.Context, userID, id string) (*model.Schedule, error)
	List(ctx context.Context, userID, status string) ([]model.Schedule, error)
	Get(ctx context.Context, userID, id string) (*model.Schedule, error)
}

// Settings 读写默认通知邮箱。
type Settings interface {
	GetDefaultEmail(ctx context.Context, userID string) (string, error)
	SetDefaultEmail(ctx context.Context, userID, email string) (string, error)
}

// Sweeps 手动触发后台任务。
type Sweeps interface {
	RunReminders(ctx context.Context) (reminder.Report, error)
	RunSweep(ctx context.Context) (sweeper.Report, error)
}

// Platforms 查询职位的平台关联。
type Platforms interface {
	GetPlatformLink(ctx context.Context, userID, jobID string) (*model.PlatformLink, error)
}

// Deps 汇总 HTTP 层依赖。Metrics 为 nil 时不暴露 /metrics。
type Deps struct {
	Imports   Importer
	Schedules Schedules
	Settings  Settings
	Sweeps    Sweeps
	Platforms Platforms
	Metrics   http.Handler
	Log       *zap.SugaredLogger
}

// EmailRequest 表示默认邮箱设置请求。
type EmailRequest struct {
	Email string `json:"email"`
}

// BulkImportRequest 表示批量导入请求。
type BulkImportRequest struct {
	Items []map[string]any `json:"items"`
}

type handler struct {
	Deps
	log *zap.SugaredLogger
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(deps Deps) http.Handler {
	h := &handler{Deps: deps, log: logging.OrNop(deps.Log)}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("POST /api/imports", h.user(h.importOne))
	mux.HandleFunc("POST /api/imports/bulk", h.user(h.importBulk))

	mux.HandleFunc("GET /api/schedules", h.user(h.listSchedules))
	mux.HandleFunc("POST /api/schedules", h.user(h.createSchedule))
	mux.HandleFunc("GET /api/schedules/{id}", h.user(h.getSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/reschedule", h.user(h.reschedule))
	mux.HandleFunc("POST /api/schedules/{id}/submit", h.user(h.submit))
	mux.HandleFunc("POST /api/schedules/{id}/cancel", h.user(h.cancel))

	mux.HandleFunc("GET /api/settings/email", h.user(h.getEmail))
	mux.HandleFunc("PUT /api/settings/email", h.user(h.putEmail))

	mux.HandleFunc("POST /api/sweeps/reminders", h.runReminders)
	mux.HandleFunc("POST /api/sweeps/expirations", h.runExpirations)

	mux.HandleFunc("GET /api/jobs/{id}/platforms", h.user(h.platforms))

	return mux
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (h *handler) user(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + UserHeader + " header"})
			return
		}
		next(w, r, userID)
	}
}

func (h *handler) importOne(w http.ResponseWriter, r *http.Request, userID string) {
	var raw map[string]any
	if !decode(w, r, &raw) {
		return
	}
	res, err := h.Imports.Import(r.Context(), userID, raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *handler) importBulk(w http.ResponseWriter, r *http.Request, userID string) {
	var req BulkImportRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "items required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": h.Imports.ImportBulk(r.Context(), userID, req.Items)})
}

func (h *handler) listSchedules(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.Schedules.List(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) createSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	var req schedule.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Schedules.Create(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handler) getSchedule(w http.ResponseWriter, r *http.Request, userID string) {
	s, err := h.Schedules.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) reschedule(w http.ResponseWriter, r *http.Request, userID string) {
	var req schedule.RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Schedules.Reschedule(r.Context(), userID, r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request, userID string) {
	s, err := h.Schedules.SubmitNow(r.Context(), userID, r.PathValue("id"), schedule.SourceUser)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request, userID string) {
	s, err := h.Schedules.Cancel(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) getEmail(w http.ResponseWriter, r *http.Request, userID string) {
	email, err := h.Settings.GetDefaultEmail(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EmailRequest{Email: email})
}

func (h *handler) putEmail(w http.ResponseWriter, r *http.Request, userID string) {
	var req EmailRequest
	if !decode(w, r, &req) {
		return
	}
	email, err := h.Settings.SetDefaultEmail(r.Context(), userID, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EmailRequest{Email: email})
}

func (h *handler) runReminders(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeps.RunReminders(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) runExpirations(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeps.RunSweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handler) platforms(w http.ResponseWriter, r *http.Request, userID string) {
	link, err := h.Platforms.GetPlatformLink(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// writeError 把错误分类映射为状态码，内部错误不向调用方暴露细节。
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	}

	body := map[string]string{"error": err.Error(), "kind": kind}
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body = map[string]string{"error": "internal error", "kind": "internal"}
	}
	if hint := errors.FlattenHints(err); hint != "" {
		body["hint"] = hint
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
