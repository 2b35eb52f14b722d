package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"astro-studio-backend/internal/middleware"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/pipeline"
	"astro-studio-backend/internal/tasks"
)

// TaskHandler starts workflow tasks and exposes their durable state.
type TaskHandler struct {
	registry *tasks.Registry
	engine   *pipeline.Engine
}

func NewTaskHandler(registry *tasks.Registry, engine *pipeline.Engine) *TaskHandler {
	return &TaskHandler{registry: registry, engine: engine}
}

// StartDownload creates a DOWNLOAD task and launches the pipeline worker.
func (h *TaskHandler) StartDownload(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	var req models.StartDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body", Message: err.Error()})
		return
	}
	if _, err := uuid.Parse(req.TargetID); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid target id"})
		return
	}
	if _, err := uuid.Parse(req.TelescopeID); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid telescope id"})
		return
	}

	params := pipeline.DownloadParams{
		TargetID:         req.TargetID,
		TelescopeID:      req.TelescopeID,
		GeneratePreviews: req.GeneratePreviews,
	}
	task, err := h.registry.CreateTask(c.Request.Context(), userID, models.TaskDownload, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to create task", Message: err.Error()})
		return
	}

	go h.engine.RunDownload(context.Background(), task, params)

	c.JSON(http.StatusAccepted, models.TaskResponseFrom(task))
}

// StartProcessing creates a PROCESSING task for a preset render.
func (h *TaskHandler) StartProcessing(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}

	var req models.StartProcessingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body", Message: err.Error()})
		return
	}
	if _, err := uuid.Parse(req.TargetID); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid target id"})
		return
	}
	if _, err := uuid.Parse(req.PresetID); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid preset id"})
		return
	}

	params := pipeline.ProcessingParams{TargetID: req.TargetID, PresetID: req.PresetID}
	task, err := h.registry.CreateTask(c.Request.Context(), userID, models.TaskProcessing, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to create task", Message: err.Error()})
		return
	}

	go h.engine.RunPreset(context.Background(), task, params)

	c.JSON(http.StatusAccepted, models.TaskResponseFrom(task))
}

// GeneratePreviews creates a PROCESSING task that renders a grayscale
// preview per downloaded file of a target.
func (h *TaskHandler) GeneratePreviews(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	targetID, err := uuid.Parse(c.Param("target_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid target id"})
		return
	}

	task, err := h.registry.CreateTask(c.Request.Context(), userID, models.TaskProcessing,
		map[string]string{"target_id": targetID.String()})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to create task", Message: err.Error()})
		return
	}

	go h.engine.RunChannelPreviews(context.Background(), task, targetID)

	c.JSON(http.StatusAccepted, models.TaskResponseFrom(task))
}

// GetTask returns the durable state of one task.
func (h *TaskHandler) GetTask(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	task, ok := h.ownedTask(c, userID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns the caller's tasks.
func (h *TaskHandler) ListTasks(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	list, err := h.registry.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list tasks", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

// CancelTask sets the advisory cancellation flag.
func (h *TaskHandler) CancelTask(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	task, ok := h.ownedTask(c, userID)
	if !ok {
		return
	}
	if err := h.registry.RequestCancel(c.Request.Context(), task.ID); err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "task already finished", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to cancel task", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "status": "cancellation requested"})
}

// RetryTask re-queues a FAILED task and relaunches its worker.
func (h *TaskHandler) RetryTask(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	task, ok := h.ownedTask(c, userID)
	if !ok {
		return
	}
	if err := h.registry.SetStatus(c.Request.Context(), task.ID, models.StatusPending, ""); err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "task is not retryable", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to retry task", Message: err.Error()})
		return
	}

	switch task.Kind {
	case models.TaskDownload:
		var params pipeline.DownloadParams
		if err := decodeParams(task, &params); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "invalid task params", Message: err.Error()})
			return
		}
		go h.engine.RunDownload(context.Background(), task, params)
	case models.TaskProcessing:
		var params pipeline.ProcessingParams
		if err := decodeParams(task, &params); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "invalid task params", Message: err.Error()})
			return
		}
		go h.engine.RunPreset(context.Background(), task, params)
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "unknown task kind", Message: task.Kind})
		return
	}

	c.JSON(http.StatusAccepted, models.TaskResponseFrom(task))
}

// ownedTask loads the task named in the path and enforces ownership.
func (h *TaskHandler) ownedTask(c *gin.Context, userID uuid.UUID) (*models.Task, bool) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid task id"})
		return nil, false
	}
	task, err := h.registry.Get(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "task not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load task", Message: err.Error()})
		return nil, false
	}
	if task.UserID != userID {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "task not found"})
		return nil, false
	}
	return task, true
}

func decodeParams(task *models.Task, out any) error {
	if err := json.Unmarshal(task.Params, out); err != nil {
		return fmt.Errorf("decode params for task %s: %w", task.ID, err)
	}
	return nil
}

func requestUserID(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw.(string))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}
