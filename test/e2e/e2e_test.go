// test/e2e/e2e_test.go
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-executors/internal/common/camunda"
	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/jobstore"
	"comfy-executors/internal/notify"
	rw "comfy-executors/internal/workers/comfy/run-workflow"
	"comfy-executors/pkg/backends/comfyui"
	"comfy-executors/pkg/backends/zeebe"
	"comfy-executors/pkg/executor"
	"comfy-executors/pkg/registry"
)

const samplerTemplate = `{
  "1": {"class_type": "LoadImagesFromDir", "inputs": {"directory": "{{ input_images_dir }}"}},
  "3": {"class_type": "KSampler", "inputs": {"seed": 0, "steps": {{ steps }}, "batch_size": {{ batch_size }}}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "{{ prefix|default:"out" }}"}}
}`

// ==========================
// Fake ComfyUI server
// ==========================

// comfyServer answers prompts immediately with batch_size images, each
// painted with the prompt number so tests can check ordering.
type comfyServer struct {
	*httptest.Server

	mu      sync.Mutex
	uploads []string
	prompts []map[string]interface{}
	images  map[string][]byte
}

func newComfyServer(t *testing.T) *comfyServer {
	s := &comfyServer{images: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("image")
		require.NoError(t, err)
		s.mu.Lock()
		s.uploads = append(s.uploads, r.FormValue("subfolder")+"/"+header.Filename)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"name": header.Filename})
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt map[string]interface{} `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		s.mu.Lock()
		s.prompts = append(s.prompts, body.Prompt)
		n := len(s.prompts)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"prompt_id": fmt.Sprintf("p%d", n), "number": n})
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		var n int
		fmt.Sscanf(id, "p%d", &n)

		s.mu.Lock()
		prompt := s.prompts[n-1]
		s.mu.Unlock()
		sampler := prompt["3"].(map[string]interface{})["inputs"].(map[string]interface{})
		batch := int(sampler["batch_size"].(float64))

		var refs []map[string]string
		for i := 0; i < batch; i++ {
			name := fmt.Sprintf("out_%s_%02d.png", id, i)
			s.mu.Lock()
			s.images[name] = solidPNG(t, uint8(n))
			s.mu.Unlock()
			refs = append(refs, map[string]string{"filename": name, "subfolder": "", "type": "output"})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			id: map[string]interface{}{
				"outputs": map[string]interface{}{"9": map[string]interface{}{"images": refs}},
				"status":  map[string]interface{}{"status_str": "success", "completed": true},
			},
		})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		data, ok := s.images[r.URL.Query().Get("filename")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func solidPNG(t *testing.T, v uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func grayOf(img image.Image) uint8 {
	return img.(*image.Gray).Pix[0]
}

func comfyConfig(host string) config.ComfyUIConfig {
	return config.ComfyUIConfig{Host: host, Timeout: 5, PollInterval: 10}
}

type recordingNotifier struct {
	mu        sync.Mutex
	summaries []notify.Summary
}

func (n *recordingNotifier) Notify(_ context.Context, s notify.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func writeRegistry(t *testing.T) *registry.Registry {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sampler.json.jinja"), []byte(samplerTemplate), 0o644))

	reg := registry.New(dir)
	require.NoError(t, reg.Add(registry.TemplateEntry{
		ID:       "sampler",
		Path:     "sampler.json.jinja",
		Backend:  "comfyui",
		Defaults: map[string]interface{}{"steps": 20},
	}))
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, reg.Save(path))

	loaded, err := registry.Load(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	return loaded
}

// ==========================
// Full pipeline: registry -> executor -> ComfyUI -> job store
// ==========================

func TestFullE2E_ComfyUI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	server := newComfyServer(t)
	mr := miniredis.RunT(t)
	store := jobstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	notifier := &recordingNotifier{}

	tpl, err := writeRegistry(t).LoadTemplate("sampler")
	require.NoError(t, err)

	exec := executor.New(comfyui.New(comfyConfig(server.URL), logger.NewTestLogger(t)),
		executor.DefaultBatchSize(2),
		executor.WithJobStore(store),
		executor.WithNotifier(notifier),
		executor.WithLogger(logger.NewTestLogger(t)),
	)

	inputs := []image.Image{image.NewGray(image.Rect(0, 0, 8, 8)), image.NewGray(image.Rect(0, 0, 8, 8))}
	images, err := exec.SubmitWorkflow(ctx, tpl, inputs, 5, executor.WithVariables(map[string]interface{}{"steps": 8}))
	require.NoError(t, err)

	// ceil(5/2) = 3 prompts of 2 images each; the last batch keeps full size.
	require.Len(t, server.prompts, 3)
	require.Len(t, images, 6)
	for i, img := range images {
		assert.Equal(t, uint8(i/2+1), grayOf(img.Image), "image %d", i)
	}

	// Uploaded once for the whole call, into the group's subfolder.
	assert.Len(t, server.uploads, 2)
	dir := server.prompts[0]["1"].(map[string]interface{})["inputs"].(map[string]interface{})["directory"].(string)
	for _, up := range server.uploads {
		assert.True(t, strings.HasPrefix("input/"+up, dir+"/"), up)
	}
	for _, p := range server.prompts {
		steps := p["3"].(map[string]interface{})["inputs"].(map[string]interface{})["steps"]
		assert.EqualValues(t, 8, steps)
	}

	require.Len(t, notifier.summaries, 1)
	summary := notifier.summaries[0]
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 3, summary.Batches)
	assert.Equal(t, 6, summary.Images)

	records, err := store.ListGroup(ctx, summary.GroupID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i, rec.BatchIndex)
		assert.Equal(t, jobstore.StatusCompleted, rec.Status)
		assert.Equal(t, 2, rec.Images)
	}
}

func TestFullE2E_AsyncGatherMatchesSequential(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tpl, err := writeRegistry(t).LoadTemplate("sampler")
	require.NoError(t, err)

	server := newComfyServer(t)
	exec := executor.New(comfyui.New(comfyConfig(server.URL), nil), executor.DefaultBatchSize(1))

	futures := []*executor.Future{
		exec.SubmitWorkflowAsync(ctx, tpl, nil, 2),
		exec.SubmitWorkflowAsync(ctx, tpl, nil, 3),
	}
	results, err := executor.Gather(ctx, futures...)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0], 2)
	assert.Len(t, results[1], 3)
	assert.Len(t, server.prompts, 5)
}

// ==========================
// Zeebe path without a broker: the instance runner calls the worker directly
// ==========================

type inProcessRunner struct {
	handler *rw.Handler
}

func (r *inProcessRunner) RunInstance(ctx context.Context, _ string, vars map[string]interface{}, _ ...string) (*camunda.InstanceResult, error) {
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	input, err := r.handler.ParseInput(string(raw))
	if err != nil {
		return nil, err
	}
	output, err := r.handler.Execute(ctx, input)
	if err != nil {
		return nil, err
	}

	// Variables come back from the broker as JSON.
	data, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &camunda.InstanceResult{InstanceKey: 1, Variables: out}, nil
}

func TestFullE2E_ZeebeWorker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	server := newComfyServer(t)
	log := logger.NewTestLogger(t)
	handler := rw.NewHandler(&rw.Config{Timeout: 30 * time.Second}, comfyui.New(comfyConfig(server.URL), log), log)

	tpl, err := writeRegistry(t).LoadTemplate("sampler")
	require.NoError(t, err)

	exec := executor.New(zeebe.New(&inProcessRunner{handler: handler}, "comfy-run-workflow", log),
		executor.DefaultBatchSize(3))

	inputs := []image.Image{image.NewGray(image.Rect(0, 0, 8, 8))}
	images, err := exec.SubmitWorkflow(ctx, tpl, inputs, 6)
	require.NoError(t, err)

	require.Len(t, images, 6)
	assert.Equal(t, uint8(1), grayOf(images[0].Image))
	assert.Equal(t, uint8(2), grayOf(images[5].Image))
	assert.Len(t, server.prompts, 2)
}

// ==========================
// Live ComfyUI (opt-in)
// ==========================

func TestLiveComfyUI(t *testing.T) {
	host := os.Getenv("COMFYUI_E2E_HOST")
	templatePath := os.Getenv("COMFYUI_E2E_TEMPLATE")
	if host == "" || templatePath == "" {
		t.Skip("set COMFYUI_E2E_HOST and COMFYUI_E2E_TEMPLATE to run against a real server")
	}
	if testing.Short() {
		t.Skip("Skipping live E2E test in short mode")
	}

	reg := registry.New(filepath.Dir(templatePath))
	require.NoError(t, reg.Add(registry.TemplateEntry{ID: "live", Path: filepath.Base(templatePath)}))
	tpl, err := reg.LoadTemplate("live")
	require.NoError(t, err)

	cfg := config.ComfyUIConfig{Host: host, Timeout: 600, PollInterval: 1000, MaxRetries: 3}
	exec := executor.New(comfyui.New(cfg, logger.NewTestLogger(t)), executor.DefaultBatchSize(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	images, err := exec.SubmitWorkflow(ctx, tpl, nil, 1)
	require.NoError(t, err)
	t.Logf("received %d images", len(images))
}
