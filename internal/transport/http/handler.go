package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
	"media-pipeline-service/internal/pipeline"
	"media-pipeline-service/internal/queue"
	"media-pipeline-service/internal/repository/postgresql"
	"media-pipeline-service/internal/service"
)

// PipelineSubmitter is the composer port used by the pipeline
// endpoints.
type PipelineSubmitter interface {
	Submit(ctx context.Context, req pipeline.Request) (uuid.UUID, error)
	SubmitTraining(ctx context.Context, req pipeline.TrainingRequest) (uuid.UUID, error)
}

type Handler struct {
	jobSvc    *service.JobService
	pipelines PipelineSubmitter
}

func NewHandler(jobSvc *service.JobService, pipelines PipelineSubmitter) *Handler {
	return &Handler{jobSvc: jobSvc, pipelines: pipelines}
}

type jobResp struct {
	ID        string           `json:"id"`
	Status    entity.JobStatus `json:"status"`
	Result    map[string]any   `json:"result"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

func toJobResp(j *entity.Job) jobResp {
	result := j.Result
	if result == nil {
		result = map[string]any{}
	}
	return jobResp{
		ID:        j.ID.String(),
		Status:    j.Status,
		Result:    result,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// ListJobs godoc
// @Summary List jobs
// @Description Without ?id= returns every job; with ?id= returns just that job.
// @Tags jobs
// @Produce json
// @Param id query string false "job id (uuid)"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("id"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid id")
			return
		}
		j, err := h.jobSvc.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, postgresql.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "job not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, []jobResp{toJobResp(j)})
		return
	}

	jobs, err := h.jobSvc.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	j, err := h.jobSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// CreateJob godoc
// @Summary Create an empty pending job
// @Tags jobs
// @Produce json
// @Success 201 {object} jobResp
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Create(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toJobResp(j))
}

type updateJobDTO struct {
	Status *entity.JobStatus `json:"status,omitempty"`
	Result map[string]any    `json:"result,omitempty"`
}

// UpdateJob godoc
// @Summary Update job status and/or merge result keys
// @Tags jobs
// @Accept json
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param request body updateJobDTO true "partial update"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [put]
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var dto updateJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	j, err := h.jobSvc.Update(r.Context(), id, dto.Status, dto.Result)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// DeleteJob godoc
// @Summary Delete a job
// @Tags jobs
// @Param id path string true "job id (uuid)"
// @Success 204 "deleted"
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [delete]
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.jobSvc.Delete(r.Context(), id); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobCallback receives asynchronous completion reports from remote
// inference services: {"status": 2|3|4, ...extra artifact keys}.
// Not part of the public API surface.
func (h *Handler) JobCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	codeF, ok := body["status"].(float64)
	if !ok {
		writeErr(w, http.StatusBadRequest, "status is required")
		return
	}
	delete(body, "status")

	j, err := h.jobSvc.ApplyCallback(r.Context(), id, int(codeF), body)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownCallbackCode):
			writeErr(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, postgresql.ErrNotFound):
			writeErr(w, http.StatusNotFound, "job not found")
		default:
			writeErr(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

type createPipelineDTO struct {
	Text          string `json:"text"`
	Technology    string `json:"technology"` // voice_convert | neural_tts
	ModelName     string `json:"model_name"`
	VoiceProfile  string `json:"voice_profile"`
	Pitch         int    `json:"pitch"`
	Speaker       string `json:"speaker"`
	WithVideo     bool   `json:"with_video"`
	WithSubtitles bool   `json:"with_subtitles"`
	MaxRetry      int    `json:"max_retry"`
}

type submitResp struct {
	JobID string `json:"job_id"`
}

// CreatePipeline godoc
// @Summary Submit a synthesis pipeline
// @Description Resolves the requested outputs into a stage graph and returns the job id to poll.
// @Tags pipelines
// @Accept json
// @Produce json
// @Param request body createPipelineDTO true "pipeline request"
// @Success 202 {object} submitResp
// @Failure 400 {object} apiError
// @Failure 429 {object} apiError
// @Failure 500 {object} apiError
// @Router /pipelines [post]
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var dto createPipelineDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if dto.Text == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}

	jobID, err := h.pipelines.Submit(r.Context(), pipeline.Request{
		Text:          dto.Text,
		Technology:    pipeline.Technology(dto.Technology),
		ModelName:     dto.ModelName,
		VoiceProfile:  dto.VoiceProfile,
		Pitch:         dto.Pitch,
		Speaker:       dto.Speaker,
		WithVideo:     dto.WithVideo,
		WithSubtitles: dto.WithSubtitles,
		MaxRetry:      dto.MaxRetry,
	})
	if err != nil {
		writeSubmitErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: jobID.String()})
}

type createTrainingDTO struct {
	Kind      string   `json:"kind"` // voice | avatar
	AudioKeys []string `json:"audio_keys"`
	ModelName string   `json:"model_name"`
	Epochs    int      `json:"epochs"`
	Speaker   string   `json:"speaker"`
	MaxRetry  int      `json:"max_retry"`
}

// CreateTraining godoc
// @Summary Submit a training pipeline
// @Tags pipelines
// @Accept json
// @Produce json
// @Param request body createTrainingDTO true "training request"
// @Success 202 {object} submitResp
// @Failure 400 {object} apiError
// @Failure 429 {object} apiError
// @Failure 500 {object} apiError
// @Router /pipelines/train [post]
func (h *Handler) CreateTraining(w http.ResponseWriter, r *http.Request) {
	var dto createTrainingDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(dto.AudioKeys) == 0 {
		writeErr(w, http.StatusBadRequest, "audio_keys is required")
		return
	}

	jobID, err := h.pipelines.SubmitTraining(r.Context(), pipeline.TrainingRequest{
		Kind:      pipeline.TrainingKind(dto.Kind),
		AudioKeys: dto.AudioKeys,
		ModelName: dto.ModelName,
		Epochs:    dto.Epochs,
		Speaker:   dto.Speaker,
		MaxRetry:  dto.MaxRetry,
	})
	if err != nil {
		writeSubmitErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{JobID: jobID.String()})
}

func writeSubmitErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownTechnology):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeErr(w, http.StatusTooManyRequests, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}
