// Package main implements a mock LLM server for offline casegen runs.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON
// fixture files and deterministic /v1/embeddings vectors.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by model (e.g., "mock-small.json" maps to
// model "mock-small"). The file content is returned as the assistant message.
//
// Stage fixtures: "mock-small@titles.json" and "mock-small@expand.json" are
// used for scenario title requests and expansion requests respectively. The
// stage is detected from the response format the prompt asks for. A plain
// model fixture is the fallback for both stages.
//
// Sequential fixtures: If numbered files exist (e.g., "mock-small@titles.1.json",
// "mock-small@titles.2.json"), the Nth call for that key returns the Nth
// fixture. After exhausting numbered fixtures, the base file is used as a
// repeating fallback. This enables testing re-prompts and retries.
//
// Embeddings are bag-of-words vectors over normalized title tokens, so equal
// texts embed identically and texts sharing most words score high.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/casegen/dedup"
)

// Stages detected from the prompt.
const (
	stageTitles = "titles"
	stageExpand = "expand"
)

// embeddingDims is the width of every mock embedding vector.
const embeddingDims = 256

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// embeddingInput accepts a single string or a list.
type embeddingInput []string

func (in *embeddingInput) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*in = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or a list of strings")
	}
	*in = many
	return nil
}

type embeddingRequest struct {
	Model string         `json:"model"`
	Input embeddingInput `json:"input"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingData `json:"data"`
	Usage  chatUsage       `json:"usage"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming LLM request for test verification.
type capturedRequest struct {
	Model     string        `json:"model"`
	Stage     string        `json:"stage,omitempty"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // fixture key → ordered fixture contents (sequential)
	calls    atomic.Int64        // total chat calls served
	embeds   atomic.Int64        // total embedding calls served
	logger   *slog.Logger

	// Per-key call counters for sequential fixture selection.
	keyCalls   map[string]*atomic.Int64
	keyCallsMu sync.Mutex

	// Per-model request capture for prompt verification.
	modelRequests   map[string][]capturedRequest
	modelRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:      fixtures,
		logger:        logger,
		keyCalls:      make(map[string]*atomic.Int64),
		modelRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

// captureRequest stores a request for later retrieval via /requests endpoint.
func (s *server) captureRequest(req chatRequest, stage string, callIndex int) {
	s.modelRequestsMu.Lock()
	defer s.modelRequestsMu.Unlock()
	s.modelRequests[req.Model] = append(s.modelRequests[req.Model], capturedRequest{
		Model:     req.Model,
		Stage:     stage,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// counter returns the call counter for a fixture key, creating it lazily.
func (s *server) counter(key string) *atomic.Int64 {
	s.keyCallsMu.Lock()
	defer s.keyCallsMu.Unlock()
	if c, ok := s.keyCalls[key]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.keyCalls[key] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "keys", len(fixtures), "dir", *fixtureDir)
	for key, seq := range fixtures {
		logger.Info("Fixture", "key", key, "count", len(seq))
	}

	s := newServer(fixtures, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// detectStage reports which generation pass a request belongs to from the
// JSON shape its prompt asks for.
func detectStage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		switch {
		case strings.Contains(messages[i].Content, `"test_cases"`):
			return stageExpand
		case strings.Contains(messages[i].Content, `"scenarios"`):
			return stageTitles
		}
		return ""
	}
	return ""
}

// resolveKey finds the fixture key for a model and stage. Stage fixtures
// win over plain model fixtures; a "mock-" prefix is optional.
func (s *server) resolveKey(model, stage string) (string, bool) {
	names := []string{model}
	if stripped := strings.TrimPrefix(model, "mock-"); stripped != model {
		names = append(names, stripped)
	}
	for _, name := range names {
		if stage != "" {
			if _, ok := s.fixtures[name+"@"+stage]; ok {
				return name + "@" + stage, true
			}
		}
	}
	for _, name := range names {
		if _, ok := s.fixtures[name]; ok {
			return name, true
		}
	}
	return "", false
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	stage := detectStage(req.Messages)

	key, ok := s.resolveKey(req.Model, stage)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model, "stage", stage)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	seq := s.fixtures[key]

	callIndex := int(s.counter(key).Add(1) - 1) // 0-indexed
	s.captureRequest(req, stage, callIndex+1)

	content := seq[len(seq)-1]
	if callIndex < len(seq) {
		content = seq[callIndex]
	}

	s.logger.Info("Chat completion",
		"call", callNum,
		"model", req.Model,
		"key", key,
		"call_index", callIndex+1,
		"fixtures", len(seq))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	s.embeds.Add(1)

	resp := embeddingResponse{Object: "list", Model: req.Model}
	tokens := 0
	for i, text := range req.Input {
		resp.Data = append(resp.Data, embeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: embed(text),
		})
		tokens += len(text) / 4
	}
	resp.Usage = chatUsage{PromptTokens: tokens, TotalTokens: tokens}

	s.logger.Info("Embeddings", "model", req.Model, "inputs", len(req.Input))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// embed hashes the normalized words of text into a unit-length vector.
func embed(text string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, word := range strings.Fields(dedup.NormalizeTitle(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// handleModels returns the list of available mock models (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	seen := make(map[string]bool)
	var names []string
	for key := range s.fixtures {
		name, _, _ := strings.Cut(key, "@")
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	models := make([]modelEntry, 0, len(names))
	for _, name := range names {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.keyCallsMu.Lock()
	callsByKey := make(map[string]int64, len(s.keyCalls))
	for key, counter := range s.keyCalls {
		callsByKey[key] = counter.Load()
	}
	s.keyCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":     s.calls.Load(),
		"embedding_calls": s.embeds.Load(),
		"calls_by_key":    callsByKey,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - model: filter by model name (optional)
//   - stage: filter by stage, "titles" or "expand" (optional)
//
// Returns {"requests_by_model": {"mock-small": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	stageFilter := r.URL.Query().Get("stage")

	s.modelRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if stageFilter == "" || req.Stage == stageFilter {
				result[model] = append(result[model], req)
			}
		}
	}
	s.modelRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_model": result,
	})
}

// numberedFileRe matches files like "mock-small@titles.1.json" or "mock-small.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns a map of key→content
// sequence. Numbered files come first in numeric order, the base file last.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			key := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[key] == nil {
				numberedFiles[key] = make(map[int]string)
			}
			numberedFiles[key][index] = content
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool)
	for k := range baseFiles {
		keys[k] = true
	}
	for k := range numberedFiles {
		keys[k] = true
	}

	fixtures := make(map[string][]string)
	for key := range keys {
		var seq []string
		if numbered, ok := numberedFiles[key]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[key]; ok {
			seq = append(seq, base)
		}
		if len(seq) > 0 {
			fixtures[key] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
