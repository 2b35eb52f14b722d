package models

// ErrorResponse is the uniform error body for API failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// TaskResponse is returned when a workflow task is started or queried.
type TaskResponse struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// StartDownloadRequest starts the download workflow for a target.
type StartDownloadRequest struct {
	TargetID         string `json:"target_id" binding:"required"`
	TelescopeID      string `json:"telescope_id" binding:"required"`
	GeneratePreviews bool   `json:"generate_previews"`
}

// StartProcessingRequest starts the composite rendering workflow.
type StartProcessingRequest struct {
	TargetID string `json:"target_id" binding:"required"`
	PresetID string `json:"preset_id" binding:"required"`
}

func TaskResponseFrom(task *Task) TaskResponse {
	return TaskResponse{
		TaskID:   task.ID.String(),
		Kind:     task.Kind,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  task.Error,
	}
}
