package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"astro-studio-backend/internal/archive"
	"astro-studio-backend/internal/catalog"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/progress"
)

// Cone search radii in degrees: the narrow pass first, then the wide
// fallback when the narrow pass comes back empty.
const (
	searchRadiusNarrow = 0.1
	searchRadiusWide   = 0.3
)

// fileResult is the per-file outcome of a chunk worker.
type fileResult struct {
	Record progress.FileRecord
	Err    error
}

// chunkResult is the outcome of one chunk worker, collected at the barrier.
type chunkResult struct {
	Index int
	Files []fileResult
	Err   error
}

// downloadWorkflow is the four-stage download pipeline. Stages run
// strictly in order; only stage three fans out.
func (e *Engine) downloadWorkflow(ctx context.Context, task *models.Task, params DownloadParams) error {
	targetID, err := uuid.Parse(params.TargetID)
	if err != nil {
		return fmt.Errorf("invalid target id: %w", err)
	}
	telescopeID, err := uuid.Parse(params.TelescopeID)
	if err != nil {
		return fmt.Errorf("invalid telescope id: %w", err)
	}

	target, err := e.catalog.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	telescope, err := e.catalog.GetTelescope(ctx, telescopeID)
	if err != nil {
		return err
	}

	userID := task.UserID.String()
	taskID := task.ID.String()

	// Fast path: the target's FITS files are already in object storage,
	// so the archive is never contacted.
	existing, err := e.existingFITSKeys(ctx, targetID)
	if err != nil {
		log.Printf("task %s: object store listing failed, falling back to archive: %v", task.ID, err)
	}
	if len(existing) > 0 {
		return e.completeFromStorage(ctx, task, target, existing, params.GeneratePreviews)
	}

	if err := e.registry.SetStatus(ctx, task.ID, models.StatusRunning, "searching observations"); err != nil {
		return err
	}
	e.publish(userID, progress.DownloadStarted(taskID, targetID.String()))

	observations, err := e.searchObservations(ctx, target, telescope.Collection)
	if err != nil {
		return err
	}
	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}

	chunks, err := e.selectProducts(ctx, observations)
	if err != nil {
		return err
	}
	if err := e.checkCancelled(task.ID); err != nil {
		return err
	}

	filters, err := e.catalog.ListFilters(ctx, telescopeID)
	if err != nil {
		return err
	}

	results := e.downloadChunks(ctx, task, target, chunks, filters)

	return e.finalize(ctx, task, target, results, params.GeneratePreviews)
}

// existingFITSKeys lists the FITS object keys already stored for a target.
func (e *Engine) existingFITSKeys(ctx context.Context, targetID uuid.UUID) ([]string, error) {
	keys, err := e.store.Exists(ctx, targetID.String()+"/")
	if err != nil {
		return nil, err
	}
	fits := keys[:0]
	for _, key := range keys {
		if isFITSKey(key) {
			fits = append(fits, key)
		}
	}
	return fits, nil
}

func isFITSKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, ".fits") || strings.HasSuffix(lower, ".fit")
}

// completeFromStorage finishes a download task from already-present
// objects without touching the archive.
func (e *Engine) completeFromStorage(ctx context.Context, task *models.Task, target *models.Target, keys []string, generatePreviews bool) error {
	userID := task.UserID.String()
	taskID := task.ID.String()

	records := make([]progress.FileRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, progress.FileRecord{Path: key, Success: true})
	}

	if err := e.files.SetTargetStatus(ctx, target.ID, models.TargetReady); err != nil {
		return err
	}
	if err := e.registry.SetResult(ctx, task.ID, map[string]any{
		"files_downloaded": 0,
		"files_available":  len(keys),
	}); err != nil {
		return err
	}
	message := fmt.Sprintf("%d files already available", len(keys))
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

// searchObservations is stage one: cone search at the narrow radius,
// widening once before giving up.
func (e *Engine) searchObservations(ctx context.Context, target *models.Target, collection string) ([]archive.Observation, error) {
	ra, err := archive.ParseRA(target.CoordinatesRA)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ID, err)
	}
	dec, err := archive.ParseDec(target.CoordinatesDec)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ID, err)
	}

	for _, radius := range []float64{searchRadiusNarrow, searchRadiusWide} {
		observations, err := e.archive.QueryRegion(ctx, ra, dec, radius, collection)
		if err != nil {
			return nil, err
		}
		if len(observations) > 0 {
			return observations, nil
		}
	}
	return nil, fmt.Errorf("%w for %s (%s / %s)", ErrNoObservations, target.Name, target.CoordinatesRA, target.CoordinatesDec)
}

// selectProducts is stage two: list each observation's products, keep the
// best calibration level per observation, cap per observation and
// overall, dedupe by filename and split into chunks.
func (e *Engine) selectProducts(ctx context.Context, observations []archive.Observation) ([][]archive.Product, error) {
	seen := make(map[string]bool)
	var selected []archive.Product

	for _, obs := range observations {
		if len(selected) >= e.opts.MaxProductsTotal {
			break
		}
		products, err := e.archive.ListProducts(ctx, obs)
		if err != nil {
			log.Printf("observation %s: product listing failed: %v", obs.ObsID, err)
			continue
		}
		for _, p := range pickProducts(products, e.opts.MaxPerObs) {
			if seen[p.Filename] {
				continue
			}
			seen[p.Filename] = true
			selected = append(selected, p)
			if len(selected) >= e.opts.MaxProductsTotal {
				break
			}
		}
	}

	if len(selected) == 0 {
		return nil, ErrNoProducts
	}

	var chunks [][]archive.Product
	for start := 0; start < len(selected); start += e.opts.ChunkSize {
		end := start + e.opts.ChunkSize
		if end > len(selected) {
			end = len(selected)
		}
		chunks = append(chunks, selected[start:end])
	}
	return chunks, nil
}

// pickProducts keeps the science products of the best available
// calibration level: level 3 when present, else level 2, else every
// science product, capped at maxPerObs.
func pickProducts(products []archive.Product, maxPerObs int) []archive.Product {
	science := products[:0:0]
	for _, p := range products {
		if strings.EqualFold(p.ProductType, "SCIENCE") {
			science = append(science, p)
		}
	}

	byLevel := func(level int) []archive.Product {
		var out []archive.Product
		for _, p := range science {
			if p.CalibLevel == level {
				out = append(out, p)
			}
		}
		return out
	}

	picked := byLevel(3)
	if len(picked) == 0 {
		picked = byLevel(2)
	}
	if len(picked) == 0 {
		picked = science
	}

	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Filename < picked[j].Filename })
	if len(picked) > maxPerObs {
		picked = picked[:maxPerObs]
	}
	return picked
}

// downloadChunks is stage three: one goroutine per chunk, a barrier
// before finalize, per-file errors recorded but never fatal.
func (e *Engine) downloadChunks(ctx context.Context, task *models.Task, target *models.Target, chunks [][]archive.Product, filters []models.Filter) []chunkResult {
	totalFiles := 0
	for _, chunk := range chunks {
		totalFiles += len(chunk)
	}

	var (
		wg        sync.WaitGroup
		filesDone atomic.Int64
		results   = make([]chunkResult, len(chunks))
	)

	for i, chunk := range chunks {
		wg.Add(1)
		go func(index int, products []archive.Product) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[index] = chunkResult{Index: index, Err: fmt.Errorf("chunk %d panic: %v", index, r)}
				}
			}()

			chunkCtx, cancel := context.WithTimeout(ctx, e.opts.ChunkTimeout)
			defer cancel()

			results[index] = e.downloadChunk(chunkCtx, task, target, index, products, filters, &filesDone, totalFiles)
		}(i, chunk)
	}

	wg.Wait()
	return results
}

func (e *Engine) downloadChunk(ctx context.Context, task *models.Task, target *models.Target, index int, products []archive.Product, filters []models.Filter, filesDone *atomic.Int64, totalFiles int) chunkResult {
	result := chunkResult{Index: index}

	destDir, err := os.MkdirTemp("", "astro-download-")
	if err != nil {
		result.Err = fmt.Errorf("chunk %d: temp dir: %w", index, err)
		return result
	}
	defer os.RemoveAll(destDir)

	userID := task.UserID.String()
	taskID := task.ID.String()

	for _, product := range products {
		if e.registry.CancelRequested(task.ID) {
			result.Err = ErrCancelled
			return result
		}

		record, err := e.ingestProduct(ctx, target, product, destDir, filters)
		result.Files = append(result.Files, fileResult{Record: record, Err: err})
		if err != nil {
			log.Printf("task %s: %s: %v", task.ID, product.Filename, err)
		}

		done := int(filesDone.Add(1))
		pct := done * 100 / totalFiles
		if pct > 99 {
			pct = 99 // finalize owns 100
		}
		message := fmt.Sprintf("%d/%d files", done, totalFiles)
		if err := e.registry.SetProgress(ctx, task.ID, pct, message); err != nil {
			log.Printf("task %s: progress update failed: %v", task.ID, err)
		}
		e.publish(userID, progress.DownloadProgress(taskID, pct, message))
	}
	return result
}

// safeBasename reduces an archive-supplied filename to its final path
// element. Object keys and workspace paths must stay under the prefixes
// we choose, whatever the remote side sends.
func safeBasename(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("invalid product filename %q", name)
	}
	return base, nil
}

// ingestProduct fetches one product, stores it under the target's prefix
// and records the file row. The object key is deterministic, so a
// concurrent duplicate ingest converges on the same row and object.
func (e *Engine) ingestProduct(ctx context.Context, target *models.Target, product archive.Product, destDir string, filters []models.Filter) (progress.FileRecord, error) {
	base, err := safeBasename(product.Filename)
	if err != nil {
		return progress.FileRecord{Path: product.Filename, Size: product.Size}, err
	}
	key := path.Join(target.ID.String(), base)
	record := progress.FileRecord{Path: key, Size: product.Size}

	localPath, err := e.archive.DownloadProduct(ctx, product, destDir)
	if err != nil {
		return record, err
	}
	defer os.Remove(localPath)

	if info, err := os.Stat(localPath); err == nil {
		record.Size = info.Size()
	}

	if err := e.store.PutFile(ctx, key, localPath, target.ID.String()); err != nil {
		return record, err
	}

	file := &models.TargetFile{
		TargetID:   target.ID,
		FilterCode: catalog.DetectFilterCode(base, filters),
		Key:        key,
		Size:       record.Size,
		SourceID:   product.URI,
	}
	if err := e.files.CreateTargetFile(ctx, file); err != nil {
		return record, err
	}

	record.Success = true
	return record, nil
}
