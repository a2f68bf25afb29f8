package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docqa-platform/internal/ai"
	"docqa-platform/internal/index"
	"docqa-platform/internal/queue"
	"docqa-platform/internal/search"
	"docqa-platform/middleware"
	"docqa-platform/models"
	"docqa-platform/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyText = "Refund policy: customers may return items within 30 days for a full refund.\n\n" +
	"Shipping takes five business days for domestic orders and longer abroad."

// keywordProvider embeds text onto (refund, shipping, bias) axes
type keywordProvider struct{}

func (keywordProvider) Name() string { return "keyword" }

func (keywordProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := []float32{0, 0, 0.01}
		if strings.Contains(lower, "refund") {
			v[0] = 1
		}
		if strings.Contains(lower, "shipping") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

type promptRecorder struct {
	user string
	err  error
}

func (p *promptRecorder) GenerateAnswer(_ context.Context, _, userPrompt string) (string, error) {
	p.user = userPrompt
	if p.err != nil {
		return "", p.err
	}
	return "answer", nil
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: queue.QueueCritical}, nil
}

type testServer struct {
	router    *gin.Engine
	generator *promptRecorder
	queue     *fakeQueue
}

func newTestServer(t *testing.T, provider ai.Provider, generator *promptRecorder) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	embeddings := ai.NewEmbeddingClient(provider, ai.EmbeddingOptions{
		BatchSize:      8,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, nil)
	idx := index.New(embeddings, index.Options{})
	sessions := services.NewSessionStore()

	var gen services.AnswerGenerator
	if generator != nil {
		gen = generator
	}
	srv := &testServer{router: gin.New(), generator: generator, queue: &fakeQueue{}}
	srv.router.Use(middleware.RequestIDMiddleware())
	SetupRoutes(srv.router, &Dependencies{
		MaxFileSize:       1 << 20,
		Documents:         services.NewDocumentService(services.NewConverter(), services.NewChunker(10, 200), idx, nil),
		Index:             idx,
		Search:            search.NewEngine(idx, embeddings, 5, nil),
		Sessions:          sessions,
		Chat:              services.NewChatService(services.NewContextAssembler(idx, 5, 12000), sessions, gen),
		Queue:             srv.queue,
		EmbeddingEnabled:  embeddings.Enabled(),
		GenerationEnabled: gen != nil,
	})
	return srv
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, filename, content string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func uploadPolicy(t *testing.T, srv *testServer) string {
	t.Helper()
	w := srv.upload(t, "policy.txt", policyText)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.UploadResponse](t, w)
	require.Equal(t, 2, resp.ChunkCount)
	assert.Equal(t, models.DocumentEmbeddingInProgress, resp.State)
	return resp.DocumentID
}

func TestDocumentQuestionFlow(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})
	docID := uploadPolicy(t, srv)

	w := srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: docID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	outcome := decode[models.EmbeddingOutcome](t, w)
	assert.Equal(t, models.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, 2, outcome.Successful)
	assert.Equal(t, models.DocumentEmbedded, outcome.State)

	w = srv.do(t, http.MethodPost, "/api/search",
		models.SearchRequest{DocumentID: docID, Query: "How do refunds work?", TopK: 2},
		middleware.SessionIDHeader, "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[models.SearchResponse](t, w)
	require.Len(t, results.Results, 2)
	assert.Equal(t, 0, results.Results[0].ChunkIndex)
	assert.Equal(t, 1, results.Results[0].Rank)
	assert.Greater(t, results.Results[0].Score, results.Results[1].Score)
	assert.False(t, results.PartialCoverage)

	w = srv.do(t, http.MethodPut, "/api/sessions/s1/selection", models.SelectionRequest{Positions: []int{1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	selection := decode[models.SelectionResponse](t, w)
	require.Len(t, selection.Selection, 1)
	assert.Equal(t, 1, selection.Selection[0].ChunkIndex)
	assert.Equal(t, docID, selection.DocumentID)

	w = srv.do(t, http.MethodPost, "/api/chat", models.ChatRequest{Question: "How long is shipping?"},
		middleware.SessionIDHeader, "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	answer := decode[models.ChatResponse](t, w)
	assert.Equal(t, "answer", answer.Answer)
	assert.Equal(t, string(services.SourceSelection), answer.ContextSource)
	assert.Contains(t, srv.generator.user, "Shipping takes five business days")
	assert.NotContains(t, srv.generator.user, "Refund policy")
	assert.True(t, strings.HasSuffix(srv.generator.user, "Question: How long is shipping?"))

	w = srv.do(t, http.MethodDelete, "/api/sessions/s1/selection", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = srv.do(t, http.MethodPost, "/api/chat", models.ChatRequest{Question: "Refunds?", SessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(services.SourceSearchResults), decode[models.ChatResponse](t, w).ContextSource)
}

func TestDocumentLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})
	docID := uploadPolicy(t, srv)

	w := srv.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decode[struct {
		Documents []models.DocumentSummary `json:"documents"`
	}](t, w)
	require.Len(t, listing.Documents, 1)
	assert.Equal(t, docID, listing.Documents[0].ID)
	assert.Equal(t, 2, listing.Documents[0].ChunkCount)

	w = srv.do(t, http.MethodGet, "/api/documents/"+docID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Refund policy")

	w = srv.do(t, http.MethodDelete, "/api/documents/"+docID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, http.MethodGet, "/api/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "document_not_found")

	w = srv.do(t, http.MethodDelete, "/api/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	uploadPolicy(t, srv)
	uploadPolicy(t, srv)
	w = srv.do(t, http.MethodDelete, "/api/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":2}`, w.Body.String())
	w = srv.do(t, http.MethodGet, "/api/documents", nil)
	assert.JSONEq(t, `{"documents":[]}`, w.Body.String())
}

func TestUploadSetsActiveDocument(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})

	w := srv.upload(t, "policy.txt", policyText, middleware.SessionIDHeader, "s2")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, http.MethodPost, "/api/chat", models.ChatRequest{Question: "Anything about refunds?", SessionID: "s2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(services.SourceFullDocument), decode[models.ChatResponse](t, w).ContextSource)
	assert.Contains(t, srv.generator.user, "Refund policy")
}

func TestUploadRejectsBadFiles(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})

	w := srv.upload(t, "archive.tar", "whatever")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "conversion_failed")

	w = srv.do(t, http.MethodPost, "/api/upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmbedEndpoint(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})
	docID := uploadPolicy(t, srv)

	w := srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: docID, Async: true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[models.EmbedAcceptedResponse](t, w)
	assert.Equal(t, "task-1", accepted.TaskID)
	require.Len(t, srv.queue.tasks, 1)
	assert.Equal(t, queue.TaskEmbedDocument, srv.queue.tasks[0].Type())

	srv.queue.err = errors.New("redis down")
	w = srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: docID, Async: true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: "missing", Async: true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, http.MethodPost, "/api/embed", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmbedWithoutProviderIsUnavailable(t *testing.T) {
	srv := newTestServer(t, nil, &promptRecorder{})
	docID := uploadPolicy(t, srv)

	w := srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: docID})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "embedding_unavailable")

	w = srv.do(t, http.MethodGet, "/health", nil)
	assert.Contains(t, w.Body.String(), `"embedding_enabled":false`)
}

func TestSearchAndSelectionErrors(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})

	w := srv.do(t, http.MethodPost, "/api/search", models.SearchRequest{DocumentID: "missing", Query: "q"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(t, http.MethodPost, "/api/search", map[string]any{"document_id": "d", "query": "q", "top_k": 500})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPut, "/api/sessions/nobody/selection", models.SelectionRequest{Positions: []int{0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatErrors(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, nil)
	w := srv.do(t, http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "generation_unavailable")

	srv = newTestServer(t, keywordProvider{}, &promptRecorder{})
	w = srv.do(t, http.MethodPost, "/api/chat", map[string]string{"question": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/api/chat", models.ChatRequest{Question: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(services.SourceNone), decode[models.ChatResponse](t, w).ContextSource)
	assert.Equal(t, "Question: hello", srv.generator.user)
}

func TestBlankUploadIsSearchableWithNoResults(t *testing.T) {
	srv := newTestServer(t, keywordProvider{}, &promptRecorder{})

	w := srv.upload(t, "blank.txt", "   \n\n  ")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.UploadResponse](t, w)
	assert.Zero(t, resp.ChunkCount)
	assert.Equal(t, models.DocumentEmbedded, resp.State)

	w = srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: resp.DocumentID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OutcomeSuccess, decode[models.EmbeddingOutcome](t, w).Kind)

	w = srv.do(t, http.MethodPost, "/api/search", models.SearchRequest{DocumentID: resp.DocumentID, Query: "anything"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode[models.SearchResponse](t, w)
	assert.NotNil(t, results.Results)
	assert.Empty(t, results.Results)
	assert.Contains(t, w.Body.String(), `"results":[]`)
}

func TestEmbedDimensionMismatchIsServerError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	embeddings := ai.NewEmbeddingClient(keywordProvider{}, ai.EmbeddingOptions{
		BatchSize:      8,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Dimensions:     768,
	}, nil)
	idx := index.New(embeddings, index.Options{})
	router := gin.New()
	SetupRoutes(router, &Dependencies{
		MaxFileSize: 1 << 20,
		Documents:   services.NewDocumentService(services.NewConverter(), services.NewChunker(10, 200), idx, nil),
		Index:       idx,
		Sessions:    services.NewSessionStore(),
	})
	srv := &testServer{router: router}
	docID := uploadPolicy(t, srv)

	w := srv.do(t, http.MethodPost, "/api/embed", models.EmbedRequest{DocumentID: docID})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "dimension_mismatch")
}
