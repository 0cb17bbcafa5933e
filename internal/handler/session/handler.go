package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/pkg/utils"
)

const maxBodyBytes = 1 << 20

// Store 是处理器依赖的会话存储能力，便于测试替换
type Store interface {
	CreateSession(ctx context.Context, draft model.Draft) (model.Session, bool, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	AppendTranscript(ctx context.Context, id string, turns []model.TranscriptTurn) (model.Session, error)
	AppendFreezeEvents(ctx context.Context, id string, events []model.FreezeEvent) (model.Session, error)
	UpdateLatencyMetrics(ctx context.Context, id string, metrics map[string]float64) (model.Session, error)
	AttachAudio(ctx context.Context, id, url string) (model.Session, error)
	Subscribe(ctx context.Context, id string) (model.Session, <-chan model.Session, func(), error)
}

// Handler 会话服务的HTTP处理器
type Handler struct {
	store Store
	watch *WatchHandler
}

// New 创建会话处理器
func New(store Store) *Handler {
	return &Handler{
		store: store,
		watch: NewWatchHandler(store),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(sr chi.Router) {
		sr.Post("/", h.handleCreateSession)
		sr.Route("/{sessionID}", func(one chi.Router) {
			one.Get("/", h.handleGetSession)
			one.Patch("/transcript", h.handleAppendTranscript)
			one.Patch("/freeze_events", h.handleAppendFreezeEvents)
			one.Patch("/latency_metrics", h.handleUpdateLatencyMetrics)
			one.Put("/audio", h.handleAttachAudio)
			h.watch.RegisterRoutes(one)
		})
	})
}

// turnPayload 使用指针字段以区分缺失字段与零值
type turnPayload struct {
	Role      *string  `json:"role"`
	Content   *string  `json:"content"`
	Timestamp *float64 `json:"timestamp"`
	Latency   *float64 `json:"latency"`
}

func (p turnPayload) toModel(i int) (model.TranscriptTurn, error) {
	switch {
	case p.Role == nil:
		return model.TranscriptTurn{}, missingField("transcript", i, "role")
	case p.Content == nil:
		return model.TranscriptTurn{}, missingField("transcript", i, "content")
	case p.Timestamp == nil:
		return model.TranscriptTurn{}, missingField("transcript", i, "timestamp")
	case p.Latency == nil:
		return model.TranscriptTurn{}, missingField("transcript", i, "latency")
	}
	return model.TranscriptTurn{
		Role:      model.Role(*p.Role),
		Content:   *p.Content,
		Timestamp: *p.Timestamp,
		Latency:   *p.Latency,
	}, nil
}

type freezePayload struct {
	StartTime *float64 `json:"start_time"`
	EndTime   *float64 `json:"end_time"`
	Duration  *float64 `json:"duration"`
}

func (p freezePayload) toModel(i int) (model.FreezeEvent, error) {
	switch {
	case p.StartTime == nil:
		return model.FreezeEvent{}, missingField("freeze_events", i, "start_time")
	case p.EndTime == nil:
		return model.FreezeEvent{}, missingField("freeze_events", i, "end_time")
	case p.Duration == nil:
		return model.FreezeEvent{}, missingField("freeze_events", i, "duration")
	}
	return model.FreezeEvent{StartTime: *p.StartTime, EndTime: *p.EndTime, Duration: *p.Duration}, nil
}

type createPayload struct {
	ID             string             `json:"id"`
	CreatedAt      *time.Time         `json:"created_at"`
	Transcript     []turnPayload      `json:"transcript"`
	FreezeEvents   []freezePayload    `json:"freeze_events"`
	LatencyMetrics map[string]float64 `json:"latency_metrics"`
	AudioURL       *string            `json:"audio_url"`
}

func missingField(collection string, i int, field string) error {
	return &model.ValidationError{Field: fmt.Sprintf("%s[%d].%s", collection, i, field), Reason: "is required"}
}

func toTurns(payload []turnPayload) ([]model.TranscriptTurn, error) {
	if payload == nil {
		return nil, nil
	}
	turns := make([]model.TranscriptTurn, 0, len(payload))
	for i, p := range payload {
		turn, err := p.toModel(i)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func toFreezeEvents(payload []freezePayload) ([]model.FreezeEvent, error) {
	if payload == nil {
		return nil, nil
	}
	events := make([]model.FreezeEvent, 0, len(payload))
	for i, p := range payload {
		event, err := p.toModel(i)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// handleCreateSession 创建会话，携带已存在的id时覆盖写入
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createPayload
	if !decodeBody(w, r, &payload) {
		return
	}

	turns, err := toTurns(payload.Transcript)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	events, err := toFreezeEvents(payload.FreezeEvents)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	draft := model.Draft{
		ID:             payload.ID,
		CreatedAt:      payload.CreatedAt,
		Transcript:     turns,
		FreezeEvents:   events,
		LatencyMetrics: payload.LatencyMetrics,
		AudioURL:       payload.AudioURL,
	}

	created, isNew, err := h.store.CreateSession(r.Context(), draft)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
		logging.Infow("session created", logging.SessionFields(created.ID)...)
	}
	utils.RespondJSON(w, status, created)
}

// handleGetSession 查询会话
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	found, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, found)
}

// handleAppendTranscript 追加对话轮次
func (h *Handler) handleAppendTranscript(w http.ResponseWriter, r *http.Request) {
	var payload []turnPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	turns, err := toTurns(payload)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	updated, err := h.store.AppendTranscript(r.Context(), chi.URLParam(r, "sessionID"), turns)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

// handleAppendFreezeEvents 追加卡顿事件
func (h *Handler) handleAppendFreezeEvents(w http.ResponseWriter, r *http.Request) {
	var payload []freezePayload
	if !decodeBody(w, r, &payload) {
		return
	}
	events, err := toFreezeEvents(payload)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	updated, err := h.store.AppendFreezeEvents(r.Context(), chi.URLParam(r, "sessionID"), events)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

// handleUpdateLatencyMetrics 按名称覆盖延迟指标
func (h *Handler) handleUpdateLatencyMetrics(w http.ResponseWriter, r *http.Request) {
	var metrics map[string]float64
	if !decodeBody(w, r, &metrics) {
		return
	}

	updated, err := h.store.UpdateLatencyMetrics(r.Context(), chi.URLParam(r, "sessionID"), metrics)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

// handleAttachAudio 绑定录音地址，只允许设置一次
func (h *Handler) handleAttachAudio(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AudioURL string `json:"audio_url"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}

	updated, err := h.store.AttachAudio(r.Context(), chi.URLParam(r, "sessionID"), payload.AudioURL)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondStoreError 将存储层错误映射为HTTP状态码
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *model.ValidationError
	switch {
	case errors.As(err, &validation):
		utils.RespondError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, model.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, model.ErrAudioAlreadySet):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		logging.Errorw("session store failure", "method", r.Method, "path", r.URL.Path, "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "session store unavailable")
	}
}
