package progress

// Event types published by pipeline stages.
const (
	EventDownloadStarted  = "download_started"
	EventDownloadProgress = "download_progress"
	EventDownloadComplete = "download_complete"
	EventDownloadError    = "download_error"
	EventProcessingUpdate = "processing_update"
	EventPreviewChannel   = "preview_channel"
	EventPreviewFinal     = "preview_final"
)

// FileRecord is the per-file entry carried by download_complete.
type FileRecord struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Success bool   `json:"success"`
}

// Event is a progress message for one user. Events are ephemeral:
// delivery is best-effort, at-most-once, and subscribers reconcile
// durable state from the task registry on reconnect.
type Event struct {
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Progress   *int           `json:"progress,omitempty"`
	Message    string         `json:"message,omitempty"`
	Files      []FileRecord   `json:"files,omitempty"`
	Step       string         `json:"step,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PreviewURL string         `json:"preview_url,omitempty"`
	Channel    string         `json:"channel,omitempty"`
}

func DownloadStarted(taskID, targetID string) Event {
	return Event{Type: EventDownloadStarted, TaskID: taskID, TargetID: targetID}
}

func DownloadProgress(taskID string, progress int, message string) Event {
	return Event{Type: EventDownloadProgress, TaskID: taskID, Progress: &progress, Message: message}
}

func DownloadComplete(taskID string, files []FileRecord) Event {
	return Event{Type: EventDownloadComplete, TaskID: taskID, Files: files}
}

func DownloadError(taskID, message string) Event {
	return Event{Type: EventDownloadError, TaskID: taskID, Message: message}
}

func ProcessingUpdate(taskID, step string, details map[string]any) Event {
	return Event{Type: EventProcessingUpdate, TaskID: taskID, Step: step, Details: details}
}

func PreviewChannel(taskID, previewURL, channel string) Event {
	return Event{Type: EventPreviewChannel, TaskID: taskID, PreviewURL: previewURL, Channel: channel}
}

func PreviewFinal(taskID, previewURL string) Event {
	return Event{Type: EventPreviewFinal, TaskID: taskID, PreviewURL: previewURL}
}
