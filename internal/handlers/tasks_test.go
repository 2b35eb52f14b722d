package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/archive"
	"astro-studio-backend/internal/handlers"
	"astro-studio-backend/internal/middleware"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/pipeline"
	"astro-studio-backend/internal/progress"
	"astro-studio-backend/internal/tasks"
)

// Inert pipeline collaborators: handler tests only exercise HTTP
// behavior, the workers fail fast against these.
type stubStore struct{}

func (stubStore) PutFile(context.Context, string, string, string) error { return nil }
func (stubStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("no objects")
}
func (stubStore) Exists(context.Context, string) ([]string, error)  { return nil, nil }
func (stubStore) PutPreview(context.Context, string, []byte) error  { return nil }
func (stubStore) PresignedPreviewURL(context.Context, string) (string, error) {
	return "", fmt.Errorf("no previews")
}

type stubArchive struct{}

func (stubArchive) QueryRegion(context.Context, float64, float64, float64, string) ([]archive.Observation, error) {
	return nil, nil
}
func (stubArchive) ListProducts(context.Context, archive.Observation) ([]archive.Product, error) {
	return nil, nil
}
func (stubArchive) DownloadProduct(context.Context, archive.Product, string) (string, error) {
	return "", fmt.Errorf("no downloads")
}

type stubCatalog struct{}

func (stubCatalog) GetTarget(context.Context, uuid.UUID) (*models.Target, error) {
	return nil, fmt.Errorf("no targets")
}
func (stubCatalog) GetTelescope(context.Context, uuid.UUID) (*models.Telescope, error) {
	return nil, fmt.Errorf("no telescopes")
}
func (stubCatalog) GetPreset(context.Context, uuid.UUID) (*models.Preset, error) {
	return nil, fmt.Errorf("no presets")
}
func (stubCatalog) ListFilters(context.Context, uuid.UUID) ([]models.Filter, error) {
	return nil, nil
}

type stubFiles struct{}

func (stubFiles) CreateTargetFile(context.Context, *models.TargetFile) error { return nil }
func (stubFiles) ListTargetFiles(context.Context, uuid.UUID) ([]models.TargetFile, error) {
	return nil, nil
}
func (stubFiles) SetTargetStatus(context.Context, uuid.UUID, string) error { return nil }

func testRouter(t *testing.T, userID uuid.UUID) (*gin.Engine, *tasks.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := tasks.NewRegistry(tasks.NewMemoryStore())
	bus := progress.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	engine := pipeline.NewEngine(registry, stubStore{}, stubArchive{}, stubCatalog{}, stubFiles{}, bus, pipeline.Options{})
	handler := handlers.NewTaskHandler(registry, engine)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID.String())
	})
	router.POST("/downloads", handler.StartDownload)
	router.POST("/processing", handler.StartProcessing)
	router.GET("/tasks", handler.ListTasks)
	router.GET("/tasks/:task_id", handler.GetTask)
	router.POST("/tasks/:task_id/cancel", handler.CancelTask)
	router.POST("/tasks/:task_id/retry", handler.RetryTask)
	return router, registry
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStartDownloadAccepted(t *testing.T) {
	router, _ := testRouter(t, uuid.New())

	w := postJSON(router, "/downloads", models.StartDownloadRequest{
		TargetID:    uuid.New().String(),
		TelescopeID: uuid.New().String(),
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp models.TaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskDownload, resp.Kind)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.TaskID)
}

func TestStartDownloadValidation(t *testing.T) {
	router, _ := testRouter(t, uuid.New())

	w := postJSON(router, "/downloads", map[string]string{"target_id": uuid.New().String()})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing telescope_id")

	w = postJSON(router, "/downloads", models.StartDownloadRequest{
		TargetID:    "not-a-uuid",
		TelescopeID: uuid.New().String(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartProcessingAccepted(t *testing.T) {
	router, _ := testRouter(t, uuid.New())

	w := postJSON(router, "/processing", models.StartProcessingRequest{
		TargetID: uuid.New().String(),
		PresetID: uuid.New().String(),
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp models.TaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.TaskProcessing, resp.Kind)
}

func TestGetTaskOwnership(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	mine, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, nil)
	require.NoError(t, err)
	other, err := registry.CreateTask(context.Background(), uuid.New(), models.TaskDownload, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/tasks/"+mine.ID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Foreign tasks are indistinguishable from missing ones.
	req, _ = http.NewRequest("GET", "/tasks/"+other.ID.String(), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req, _ = http.NewRequest("GET", "/tasks/"+uuid.New().String(), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTask(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	task, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "/tasks/"+task.ID.String()+"/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, registry.CancelRequested(task.ID))
}

func TestCancelFinishedTaskConflicts(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	task, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, nil)
	require.NoError(t, err)
	require.NoError(t, registry.SetStatus(context.Background(), task.ID, models.StatusCompleted, ""))

	req, _ := http.NewRequest("POST", "/tasks/"+task.ID.String()+"/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryFailedTask(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	params := pipeline.DownloadParams{TargetID: uuid.New().String(), TelescopeID: uuid.New().String()}
	task, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, params)
	require.NoError(t, err)
	require.NoError(t, registry.SetStatus(context.Background(), task.ID, models.StatusFailed, "boom"))

	req, _ := http.NewRequest("POST", "/tasks/"+task.ID.String()+"/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRetryCompletedTaskConflicts(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	task, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, nil)
	require.NoError(t, err)
	require.NoError(t, registry.SetStatus(context.Background(), task.ID, models.StatusCompleted, ""))

	req, _ := http.NewRequest("POST", "/tasks/"+task.ID.String()+"/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListTasks(t *testing.T) {
	userID := uuid.New()
	router, registry := testRouter(t, userID)

	_, err := registry.CreateTask(context.Background(), userID, models.TaskDownload, nil)
	require.NoError(t, err)
	_, err = registry.CreateTask(context.Background(), uuid.New(), models.TaskDownload, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/tasks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []models.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Tasks, 1, "only the caller's tasks are listed")
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handlers.HealthHandler)

	req, _ := http.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
