package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/progress"
)

// finalize is stage four: tally the chunk results, record the outcome
// and publish the completion event.
func (e *Engine) finalize(ctx context.Context, task *models.Task, target *models.Target, results []chunkResult, generatePreviews bool) error {
	userID := task.UserID.String()
	taskID := task.ID.String()

	var (
		records   []progress.FileRecord
		succeeded int
		failed    int
	)
	for _, chunk := range results {
		if chunk.Err != nil {
			if errors.Is(chunk.Err, ErrCancelled) {
				return ErrCancelled
			}
			log.Printf("task %s: chunk %d failed: %v", task.ID, chunk.Index, chunk.Err)
			failed++
		}
		for _, file := range chunk.Files {
			records = append(records, file.Record)
			if file.Err == nil {
				succeeded++
			} else {
				failed++
			}
		}
	}

	if succeeded == 0 {
		return fmt.Errorf("no files could be downloaded")
	}

	if err := e.files.SetTargetStatus(ctx, target.ID, models.TargetReady); err != nil {
		return err
	}
	if err := e.registry.SetResult(ctx, task.ID, map[string]any{
		"files_downloaded": succeeded,
		"errors":           failed,
	}); err != nil {
		return err
	}
	message := fmt.Sprintf("%d files downloaded, %d errors", succeeded, failed)
	if err := e.registry.SetStatus(ctx, task.ID, models.StatusCompleted, message); err != nil {
		return err
	}
	e.publish(userID, progress.DownloadComplete(taskID, records))

	if generatePreviews {
		if err := e.generateChannelPreviews(ctx, task, target); err != nil {
			log.Printf("task %s: preview generation failed: %v", task.ID, err)
		}
	}
	return nil
}
