package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/archive"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/pipeline"
	"astro-studio-backend/internal/progress"
	"astro-studio-backend/internal/tasks"
)

// fakeObjectStore keeps objects and previews in memory.
type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	previews map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:  make(map[string][]byte),
		previews: make(map[string][]byte),
	}
}

func (s *fakeObjectStore) PutFile(_ context.Context, key, path, _ string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (s *fakeObjectStore) Exists(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *fakeObjectStore) PutPreview(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[key] = data
	return nil
}

func (s *fakeObjectStore) PresignedPreviewURL(_ context.Context, key string) (string, error) {
	return "https://previews.local/" + key, nil
}

// fakeArchive serves canned observations and products and counts calls.
type fakeArchive struct {
	mu            sync.Mutex
	observations  []archive.Observation
	products      map[string][]archive.Product
	payloads      map[string][]byte
	failDownloads map[string]bool

	queryCalls    int
	listCalls     int
	downloadCalls int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		products:      make(map[string][]archive.Product),
		payloads:      make(map[string][]byte),
		failDownloads: make(map[string]bool),
	}
}

func (a *fakeArchive) QueryRegion(_ context.Context, _, _, _ float64, _ string) ([]archive.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queryCalls++
	return a.observations, nil
}

func (a *fakeArchive) ListProducts(_ context.Context, obs archive.Observation) ([]archive.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	return a.products[obs.ObsID], nil
}

func (a *fakeArchive) DownloadProduct(_ context.Context, product archive.Product, destDir string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloadCalls++
	if a.failDownloads[product.Filename] {
		return "", fmt.Errorf("simulated download failure for %s", product.Filename)
	}
	payload, ok := a.payloads[product.Filename]
	if !ok {
		payload = []byte("fits-bytes")
	}
	// The real client writes under the base name only.
	dest := filepath.Join(destDir, filepath.Base(product.Filename))
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// fakeCatalog returns fixed catalog rows.
type fakeCatalog struct {
	target    *models.Target
	telescope *models.Telescope
	preset    *models.Preset
	filters   []models.Filter
}

func (c *fakeCatalog) GetTarget(_ context.Context, id uuid.UUID) (*models.Target, error) {
	if c.target == nil || c.target.ID != id {
		return nil, fmt.Errorf("target %s not found", id)
	}
	return c.target, nil
}

func (c *fakeCatalog) GetTelescope(_ context.Context, id uuid.UUID) (*models.Telescope, error) {
	if c.telescope == nil || c.telescope.ID != id {
		return nil, fmt.Errorf("telescope %s not found", id)
	}
	return c.telescope, nil
}

func (c *fakeCatalog) GetPreset(_ context.Context, id uuid.UUID) (*models.Preset, error) {
	if c.preset == nil || c.preset.ID != id {
		return nil, fmt.Errorf("preset %s not found", id)
	}
	return c.preset, nil
}

func (c *fakeCatalog) ListFilters(_ context.Context, _ uuid.UUID) ([]models.Filter, error) {
	return c.filters, nil
}

// fakeFileStore mirrors the idempotent key semantics of the real store.
type fakeFileStore struct {
	mu           sync.Mutex
	files        map[string]models.TargetFile
	targetStatus map[uuid.UUID]string
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{
		files:        make(map[string]models.TargetFile),
		targetStatus: make(map[uuid.UUID]string),
	}
}

func (s *fakeFileStore) CreateTargetFile(_ context.Context, file *models.TargetFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[file.Key]; exists {
		return nil
	}
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	s.files[file.Key] = *file
	return nil
}

func (s *fakeFileStore) ListTargetFiles(_ context.Context, targetID uuid.UUID) ([]models.TargetFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []models.TargetFile
	for _, f := range s.files {
		if f.TargetID == targetID {
			list = append(list, f)
		}
	}
	return list, nil
}

func (s *fakeFileStore) SetTargetStatus(_ context.Context, targetID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetStatus[targetID] = status
	return nil
}

func (s *fakeFileStore) status(targetID uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetStatus[targetID]
}

// makeFITS builds a minimal BITPIX=-64 primary HDU.
func makeFITS(width, height int, fill func(i int) float64) []byte {
	var buf bytes.Buffer
	writeCard := func(keyword, value string) {
		buf.WriteString(fmt.Sprintf("%-80s", fmt.Sprintf("%-8s= %s", keyword, value)))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "SIMPLE  =                    T"))
	writeCard("BITPIX", "-64")
	writeCard("NAXIS", "2")
	writeCard("NAXIS1", fmt.Sprintf("%d", width))
	writeCard("NAXIS2", fmt.Sprintf("%d", height))
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	for i := 0; i < width*height; i++ {
		binary.Write(&buf, binary.BigEndian, fill(i))
	}
	return buf.Bytes()
}

func skyFill(i int) float64 {
	// Flat background with a few bright pixels.
	if i%17 == 0 {
		return 5000
	}
	return 100 + float64(i%7)
}

type testEnv struct {
	engine   *pipeline.Engine
	registry *tasks.Registry
	store    *fakeObjectStore
	archive  *fakeArchive
	catalog  *fakeCatalog
	files    *fakeFileStore
	bus      *progress.MemoryBus
	userID   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	target := &models.Target{
		ID:             uuid.New(),
		Name:           "Eagle Nebula",
		CatalogName:    "M16",
		CoordinatesRA:  "18:18:48",
		CoordinatesDec: "-13:49:00",
		Status:         models.TargetNeedsDownload,
	}
	telescope := &models.Telescope{ID: uuid.New(), Name: "HST", Collection: "HST"}
	filters := []models.Filter{
		{Code: "F656N", TelescopeID: telescope.ID},
		{Code: "F502N", TelescopeID: telescope.ID},
	}

	env := &testEnv{
		registry: tasks.NewRegistry(tasks.NewMemoryStore()),
		store:    newFakeObjectStore(),
		archive:  newFakeArchive(),
		catalog:  &fakeCatalog{target: target, telescope: telescope, filters: filters},
		files:    newFakeFileStore(),
		bus:      progress.NewMemoryBus(),
		userID:   uuid.New(),
	}
	env.engine = pipeline.NewEngine(env.registry, env.store, env.archive, env.catalog, env.files, env.bus,
		pipeline.Options{ChunkSize: 3})
	t.Cleanup(func() { env.bus.Close() })
	return env
}

func (env *testEnv) newDownloadTask(t *testing.T) (*models.Task, pipeline.DownloadParams) {
	t.Helper()
	params := pipeline.DownloadParams{
		TargetID:    env.catalog.target.ID.String(),
		TelescopeID: env.catalog.telescope.ID.String(),
	}
	task, err := env.registry.CreateTask(context.Background(), env.userID, models.TaskDownload, params)
	require.NoError(t, err)
	return task, params
}

func (env *testEnv) drainEvents(events <-chan progress.Event) []progress.Event {
	var out []progress.Event
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []progress.Event) []string {
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func scienceProduct(name string, level int) archive.Product {
	return archive.Product{
		Filename:    name,
		CalibLevel:  level,
		ProductType: "SCIENCE",
		URI:         "mast:/" + name,
		Size:        1024,
	}
}

func TestDownloadWorkflowHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{
		{ObsID: "obs-1", Collection: "HST", CalibLevel: 3},
		{ObsID: "obs-2", Collection: "HST", CalibLevel: 3},
	}
	env.archive.products["obs-1"] = []archive.Product{
		scienceProduct("hst_f656n_drz.fits", 3),
		scienceProduct("hst_f656n_raw.fits", 1), // loses to level 3
	}
	env.archive.products["obs-2"] = []archive.Product{
		scienceProduct("hst_f502n_drz.fits", 3),
	}

	events, unsubscribe := env.bus.Subscribe(env.userID.String())
	defer unsubscribe()

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "2 files downloaded, 0 errors", got.Error)
	assert.JSONEq(t, `{"files_downloaded":2,"errors":0}`, string(got.Result))

	assert.Equal(t, models.TargetReady, env.files.status(env.catalog.target.ID))

	// Only the level-3 science products were ingested, keyed by target.
	prefix := env.catalog.target.ID.String() + "/"
	_, err = env.store.Get(context.Background(), prefix+"hst_f656n_drz.fits")
	assert.NoError(t, err)
	_, err = env.store.Get(context.Background(), prefix+"hst_f656n_raw.fits")
	assert.Error(t, err)

	files, err := env.files.ListTargetFiles(context.Background(), env.catalog.target.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	codes := map[string]bool{}
	for _, f := range files {
		codes[f.FilterCode] = true
	}
	assert.True(t, codes["F656N"])
	assert.True(t, codes["F502N"])

	types := eventTypes(env.drainEvents(events))
	assert.Equal(t, progress.EventDownloadStarted, types[0])
	assert.Contains(t, types, progress.EventDownloadProgress)
	assert.Equal(t, progress.EventDownloadComplete, types[len(types)-1])
}

func TestDownloadFastPathSkipsArchive(t *testing.T) {
	env := newTestEnv(t)
	prefix := env.catalog.target.ID.String() + "/"
	env.store.objects[prefix+"existing.fits"] = []byte("data")
	env.store.objects[prefix+"notes.txt"] = []byte("ignored")

	events, unsubscribe := env.bus.Subscribe(env.userID.String())
	defer unsubscribe()

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "1 files already available", got.Error)

	assert.Equal(t, 0, env.archive.queryCalls)
	assert.Equal(t, 0, env.archive.listCalls)
	assert.Equal(t, 0, env.archive.downloadCalls)
	assert.Equal(t, models.TargetReady, env.files.status(env.catalog.target.ID))

	drained := env.drainEvents(events)
	require.NotEmpty(t, drained)
	last := drained[len(drained)-1]
	assert.Equal(t, progress.EventDownloadComplete, last.Type)
	require.Len(t, last.Files, 1)
	assert.Equal(t, prefix+"existing.fits", last.Files[0].Path)
}

func TestDownloadPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}
	env.archive.products["obs-1"] = []archive.Product{
		scienceProduct("a_f656n.fits", 3),
		scienceProduct("b_f502n.fits", 3),
		scienceProduct("c_f656n.fits", 3),
	}
	env.archive.failDownloads["b_f502n.fits"] = true

	events, unsubscribe := env.bus.Subscribe(env.userID.String())
	defer unsubscribe()

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status, "per-file errors never fail the task")
	assert.Equal(t, "2 files downloaded, 1 errors", got.Error)

	drained := env.drainEvents(events)
	last := drained[len(drained)-1]
	require.Equal(t, progress.EventDownloadComplete, last.Type)
	require.Len(t, last.Files, 3)
	failures := 0
	for _, f := range last.Files {
		if !f.Success {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestDownloadAllFilesFail(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}
	env.archive.products["obs-1"] = []archive.Product{scienceProduct("a.fits", 3)}
	env.archive.failDownloads["a.fits"] = true

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "no files could be downloaded", got.Error)
}

func TestDownloadNoObservations(t *testing.T) {
	env := newTestEnv(t)

	events, unsubscribe := env.bus.Subscribe(env.userID.String())
	defer unsubscribe()

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no observations")

	// Narrow radius then the wide fallback, nothing more.
	assert.Equal(t, 2, env.archive.queryCalls)

	types := eventTypes(env.drainEvents(events))
	assert.Contains(t, types, progress.EventDownloadError)
}

func TestDownloadNoProducts(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no products")
}

func TestDownloadCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}
	env.archive.products["obs-1"] = []archive.Product{scienceProduct("a.fits", 3)}

	task, params := env.newDownloadTask(t)
	require.NoError(t, env.registry.RequestCancel(context.Background(), task.ID))

	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Cancelled", got.Error)
	assert.Equal(t, 0, env.archive.downloadCalls)
}

func TestDownloadSanitizesArchiveFilenames(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}
	env.archive.products["obs-1"] = []archive.Product{
		scienceProduct("../escape_f656n.fits", 3),
		scienceProduct("nested/dir/deep_f502n.fits", 3),
		scienceProduct("..", 3),
	}

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "2 files downloaded, 1 errors", got.Error)

	// Every stored key sits under the target's prefix, whatever the
	// archive called the file.
	prefix := env.catalog.target.ID.String() + "/"
	for key := range env.store.objects {
		assert.True(t, strings.HasPrefix(key, prefix), "key %q escaped the target prefix", key)
	}
	_, err = env.store.Get(context.Background(), prefix+"escape_f656n.fits")
	assert.NoError(t, err)
	_, err = env.store.Get(context.Background(), prefix+"deep_f502n.fits")
	assert.NoError(t, err)

	// The name with no usable base never reached the archive.
	assert.Equal(t, 2, env.archive.downloadCalls)

	files, err := env.files.ListTargetFiles(context.Background(), env.catalog.target.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, strings.HasPrefix(f.Key, prefix), "file row key %q escaped the target prefix", f.Key)
	}
}

func TestDownloadCapsProductsPerObservation(t *testing.T) {
	env := newTestEnv(t)
	env.archive.observations = []archive.Observation{{ObsID: "obs-1"}}
	var products []archive.Product
	for i := 0; i < 9; i++ {
		products = append(products, scienceProduct(fmt.Sprintf("p%02d_f656n.fits", i), 3))
	}
	env.archive.products["obs-1"] = products

	task, params := env.newDownloadTask(t)
	env.engine.RunDownload(context.Background(), task, params)

	got, err := env.registry.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "5 files downloaded, 0 errors", got.Error)
	assert.Equal(t, 5, env.archive.downloadCalls)
}
