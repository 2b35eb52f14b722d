package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"astro-studio-backend/internal/catalog"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/progress"
	"astro-studio-backend/internal/stretch"
)

const (
	channelPreviewPrefix = "previews/channels/"
	finalPreviewPrefix   = "previews/"
)

// channelPreviewWorkflow renders a grayscale preview per downloaded file
// and publishes a preview_channel event for each.
func (e *Engine) channelPreviewWorkflow(ctx context.Context, task *models.Task, targetID uuid.UUID) error {
	target, err := e.catalog.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	if err := e.registry.SetStatus(ctx, task.ID, models.StatusRunning, "generating previews"); err != nil {
		return err
	}
	if err := e.generateChannelPreviews(ctx, task, target); err != nil {
		return err
	}
	return e.registry.SetStatus(ctx, task.ID, models.StatusCompleted, "previews generated")
}

// generateChannelPreviews stretches each stored file individually. A file
// that fails to render is logged and skipped; previews are best-effort.
func (e *Engine) generateChannelPreviews(ctx context.Context, task *models.Task, target *models.Target) error {
	files, err := e.files.ListTargetFiles(ctx, target.ID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	userID := task.UserID.String()
	taskID := task.ID.String()

	rendered := 0
	for _, file := range files {
		if e.registry.CancelRequested(task.ID) {
			return ErrCancelled
		}
		url, err := e.renderChannelPreview(ctx, target, file)
		if err != nil {
			log.Printf("task %s: preview for %s failed: %v", task.ID, file.Key, err)
			continue
		}
		rendered++
		e.publish(userID, progress.PreviewChannel(taskID, url, file.FilterCode))
	}

	log.Printf("task %s: rendered %d/%d channel previews", task.ID, rendered, len(files))
	return nil
}

func (e *Engine) renderChannelPreview(ctx context.Context, target *models.Target, file models.TargetFile) (string, error) {
	data, err := e.store.Get(ctx, file.Key)
	if err != nil {
		return "", err
	}

	e.renderSem <- struct{}{}
	img, err := stretch.ReadFITS(bytes.NewReader(data))
	var png []byte
	if err == nil {
		stretched := stretch.AutoSTF(img.Data, stretch.DefaultSTFOptions())
		png, err = stretch.EncodeGrayPNG(stretched, img.Width, img.Height)
	}
	<-e.renderSem
	if err != nil {
		return "", err
	}

	filter := file.FilterCode
	if filter == "" {
		filter = "unknown"
	}
	key := fmt.Sprintf("%s%s_%s_%s.png", channelPreviewPrefix, target.ID, filter, file.ID)
	if err := e.store.PutPreview(ctx, key, png); err != nil {
		return "", err
	}
	return e.store.PresignedPreviewURL(ctx, key)
}

// presetWorkflow renders a composite image from a preset declaration:
// stack each referenced filter, stretch, weight, compose RGB, export.
func (e *Engine) presetWorkflow(ctx context.Context, task *models.Task, params ProcessingParams) error {
	targetID, err := uuid.Parse(params.TargetID)
	if err != nil {
		return fmt.Errorf("invalid target id: %w", err)
	}
	presetID, err := uuid.Parse(params.PresetID)
	if err != nil {
		return fmt.Errorf("invalid preset id: %w", err)
	}

	target, err := e.catalog.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	preset, err := e.catalog.GetPreset(ctx, presetID)
	if err != nil {
		return err
	}
	declaration, err := catalog.ParsePresetParams(preset.ProcessingParams)
	if err != nil {
		return err
	}

	userID := task.UserID.String()
	taskID := task.ID.String()

	if err := e.registry.SetStatus(ctx, task.ID, models.StatusRunning, "processing "+preset.Name); err != nil {
		return err
	}
	if err := e.files.SetTargetStatus(ctx, target.ID, models.TargetProcessing); err != nil {
		return err
	}
	// The target goes back to READY whatever the outcome; PROCESSING only
	// marks the in-flight window.
	defer func() {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.files.SetTargetStatus(restoreCtx, target.ID, models.TargetReady); err != nil {
			log.Printf("task %s: failed to restore target status: %v", task.ID, err)
		}
	}()

	files, err := e.files.ListTargetFiles(ctx, target.ID)
	if err != nil {
		return err
	}
	byFilter := make(map[string][]models.TargetFile)
	for _, f := range files {
		byFilter[strings.ToUpper(f.FilterCode)] = append(byFilter[strings.ToUpper(f.FilterCode)], f)
	}

	// Satisfiability before any pixel work: every referenced filter must
	// have at least one file.
	for _, code := range declaration.FilterCodes() {
		if len(byFilter[strings.ToUpper(code)]) == 0 {
			return fmt.Errorf("%w: no files for filter %s on target %s", ErrMissingFilter, code, target.Name)
		}
	}

	e.publishStep(userID, taskID, declaration, "stack", 10)

	// Stack each distinct filter once even when several channels share it.
	stacked := make(map[string]*stretch.Image)
	for _, code := range declaration.FilterCodes() {
		if err := e.checkCancelled(task.ID); err != nil {
			return err
		}
		img, err := e.stackFilter(ctx, byFilter[strings.ToUpper(code)])
		if err != nil {
			return fmt.Errorf("filter %s: %w", code, err)
		}
		stacked[strings.ToUpper(code)] = img
	}

	e.publishStep(userID, taskID, declaration, "stretch", 50)

	channels := make(map[string][]float64)
	var width, height int
	for name, ch := range declaration.Channels {
		img := stacked[strings.ToUpper(ch.Filter)]
		if width == 0 {
			width, height = img.Width, img.Height
		} else if img.Width != width || img.Height != height {
			return fmt.Errorf("channel %s: dimension mismatch %dx%d vs %dx%d", name, img.Width, img.Height, width, height)
		}

		opts := stretch.DefaultSTFOptions()
		if ch.Stretch > 0 {
			opts.TargetBackground = ch.Stretch
		}

		e.renderSem <- struct{}{}
		data := stretch.AutoSTF(img.Data, opts)
		data = stretch.ScaleChannel(data, ch.Weight)
		<-e.renderSem

		channels[name] = data
	}

	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}
	e.publishStep(userID, taskID, declaration, "compose", 80)

	png, err := stretch.EncodeRGBPNG(channels["red"], channels["green"], channels["blue"], width, height)
	if err != nil {
		return err
	}

	e.publishStep(userID, taskID, declaration, "export", 90)

	key := fmt.Sprintf("%s%s_%s.png", finalPreviewPrefix, task.ID, preset.Name)
	if err := e.store.PutPreview(ctx, key, png); err != nil {
		return err
	}
	url, err := e.store.PresignedPreviewURL(ctx, key)
	if err != nil {
		return err
	}

	if err := e.registry.SetResult(ctx, task.ID, map[string]any{
		"preview_key": key,
		"preview_url": url,
		"preset":      preset.Name,
	}); err != nil {
		return err
	}
	if err := e.registry.SetStatus(ctx, task.ID, models.StatusCompleted, "preview rendered"); err != nil {
		return err
	}
	e.publish(userID, progress.PreviewFinal(taskID, url))
	return nil
}

// publishStep reports a processing step both as a progress event and on
// the task row. Step names come from the preset declaration when it
// carries a matching step, falling back to the step type.
func (e *Engine) publishStep(userID, taskID string, declaration *catalog.PresetParams, stepType string, pct int) {
	name := stepType
	for _, step := range declaration.Steps {
		if step.Type == stepType {
			name = step.Name
			break
		}
	}
	id, err := uuid.Parse(taskID)
	if err == nil {
		if err := e.registry.SetProgress(context.Background(), id, pct, name); err != nil {
			log.Printf("task %s: progress update failed: %v", taskID, err)
		}
	}
	e.publish(userID, progress.ProcessingUpdate(taskID, name, map[string]any{"progress": pct}))
}

// stackFilter loads and mean-stacks every file of one filter.
func (e *Engine) stackFilter(ctx context.Context, files []models.TargetFile) (*stretch.Image, error) {
	images := make([]*stretch.Image, 0, len(files))
	for _, file := range files {
		data, err := e.store.Get(ctx, file.Key)
		if err != nil {
			return nil, err
		}
		img, err := stretch.ReadFITS(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file.Key, err)
		}
		images = append(images, img)
	}

	e.renderSem <- struct{}{}
	defer func() { <-e.renderSem }()
	return stretch.MeanStack(images)
}
