package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studybuddy/internal/apperr"
	"studybuddy/internal/models"
	"studybuddy/internal/service/memory"
	"studybuddy/internal/service/messages"
	"studybuddy/internal/storage"
	"studybuddy/internal/worker"
)

type fakeRetriever struct {
	mu       sync.Mutex
	passages []models.Passage
	err      error
	queries  []string
	ks       []int
}

func (f *fakeRetriever) Passages(_ context.Context, query string, k int) ([]models.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

type fakeGenerator struct {
	mu          sync.Mutex
	answer      func(ragPrompt string) string
	err         error
	prompts     []string
	transcripts [][]models.Turn
	condensed   []string
	delay       time.Duration
}

func (f *fakeGenerator) Generate(ctx context.Context, ragPrompt string, transcript []models.Turn) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", apperr.Upstream("generate answer", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, ragPrompt)
	f.transcripts = append(f.transcripts, transcript)
	if f.err != nil {
		return "", f.err
	}
	if f.answer != nil {
		return f.answer(ragPrompt), nil
	}
	return "an answer", nil
}

func (f *fakeGenerator) Condense(_ context.Context, _ []models.Turn, question string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.condensed = append(f.condensed, question)
	return "standalone question", nil
}

type failingStore struct {
	Store
	failRole models.Role
}

func (f *failingStore) Save(ctx context.Context, msg *models.Message) error {
	if msg.Role == f.failRole {
		return apperr.Storage("insert message", errors.New("disk full"))
	}
	return f.Store.Save(ctx, msg)
}

type harness struct {
	db        *sql.DB
	store     *messages.Service
	retriever *fakeRetriever
	generator *fakeGenerator
	memory    *memory.InMemory
	lanes     *worker.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "pipeline.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(context.Background(), db, "sqlite3"))

	lanes := worker.NewManager(worker.Config{QueueSize: 64, IdleTimeout: time.Second})
	t.Cleanup(lanes.Stop)

	return &harness{
		db:        db,
		store:     messages.NewService(db, "sqlite3"),
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{},
		memory:    memory.NewInMemory(10),
		lanes:     lanes,
	}
}

func (h *harness) pipeline(opts Options) *Pipeline {
	return New(h.store, h.retriever, h.memory, h.generator, h.lanes, opts)
}

func (h *harness) rowCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	return n
}

func TestSendPersistsBothTurns(t *testing.T) {
	h := newHarness(t)
	h.retriever.passages = []models.Passage{{ID: "p1", Content: "Mitochondria make ATP."}}
	h.generator.answer = func(string) string { return "They make energy." }
	p := h.pipeline(Options{})

	subject := "Biology"
	files := []models.Attachment{{Name: "cells.pdf", Type: models.AttachmentFile}}
	res, err := p.Send(context.Background(), SendRequest{
		ID:      "client-id",
		Role:    models.RoleUser,
		Content: "What do mitochondria do?",
		Subject: &subject,
		Files:   files,
	})
	require.NoError(t, err)
	assert.Equal(t, "They make energy.", res.Response)
	assert.Equal(t, "client-id", res.ID)
	assert.Equal(t, DefaultSessionID, res.SessionID)
	assert.NotEmpty(t, res.AssistantID)
	assert.Equal(t, 2, h.rowCount(t))

	history, err := p.History(context.Background(), 20, "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "client-id", history[0].ID)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, files, history[0].Files)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, res.AssistantID, history[1].ID)
	assert.Equal(t, "They make energy.", history[1].Content)
	require.NotNil(t, history[1].Subject)
	assert.Equal(t, "Biology", *history[1].Subject)
	assert.Empty(t, history[1].Files)

	require.Len(t, h.retriever.ks, 1)
	assert.Equal(t, 4, h.retriever.ks[0])
	assert.Contains(t, h.retriever.queries[0], "Subject: Biology")
	assert.Contains(t, h.generator.prompts[0], "Mitochondria make ATP.")
	assert.Contains(t, h.generator.prompts[0], "User Message: What do mitochondria do?")

	transcript, err := h.memory.Transcript(context.Background(), DefaultSessionID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Contains(t, transcript[0].Question, "User Message: What do mitochondria do?")
	assert.Equal(t, "They make energy.", transcript[0].Answer)
}

func TestSendGeneratesIDWhenMissing(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{})

	res, err := p.Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "hi", SessionID: "s9"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "s9", res.SessionID)

	history, err := p.History(context.Background(), 10, "s9")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, res.ID, history[0].ID)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{})

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"bad role", SendRequest{Role: "system", Content: "hi"}},
		{"missing role", SendRequest{Content: "hi"}},
		{"blank content", SendRequest{Role: models.RoleUser, Content: "   "}},
		{"bad attachment", SendRequest{Role: models.RoleUser, Content: "hi", Files: []models.Attachment{{Name: "x", Type: "video"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Send(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
	assert.Equal(t, 0, h.rowCount(t))
}

func TestSendDuplicateIDIsValidationError(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{})

	_, err := p.Send(context.Background(), SendRequest{ID: "same", Role: models.RoleUser, Content: "one"})
	require.NoError(t, err)
	_, err = p.Send(context.Background(), SendRequest{ID: "same", Role: models.RoleUser, Content: "two"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Equal(t, 2, h.rowCount(t))
}

func TestSendEmptyAnswerNeverSucceeds(t *testing.T) {
	h := newHarness(t)
	h.generator.answer = func(string) string { return "  " }
	p := h.pipeline(Options{})

	res, err := p.Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "hi"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))

	// user message stays saved, nothing is rolled back
	assert.Equal(t, 1, h.rowCount(t))
	transcript, _ := h.memory.Transcript(context.Background(), DefaultSessionID)
	assert.Empty(t, transcript)
}

func TestSendUpstreamFailures(t *testing.T) {
	t.Run("generator", func(t *testing.T) {
		h := newHarness(t)
		h.generator.err = apperr.Upstream("generate answer", errors.New("quota"))
		_, err := h.pipeline(Options{}).Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "hi"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindUpstream))
		assert.Equal(t, 1, h.rowCount(t))
	})
	t.Run("retriever", func(t *testing.T) {
		h := newHarness(t)
		h.retriever.err = apperr.Upstream("embed query", errors.New("down"))
		_, err := h.pipeline(Options{}).Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "hi"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindUpstream))
		assert.Empty(t, h.generator.prompts)
	})
}

func TestSendAssistantSaveFailure(t *testing.T) {
	h := newHarness(t)
	store := &failingStore{Store: h.store, failRole: models.RoleAssistant}
	p := New(store, h.retriever, h.memory, h.generator, h.lanes, Options{})

	_, err := p.Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "hi"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.Equal(t, 1, h.rowCount(t))
}

func TestSendWithEmptyIndexUsesGeneralKnowledge(t *testing.T) {
	h := newHarness(t)
	h.generator.answer = func(p string) string {
		if strings.Contains(p, "Context:\n\n\nQuestion:") {
			return "general knowledge answer"
		}
		return "context answer"
	}
	res, err := h.pipeline(Options{}).Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "What is 2+2?"})
	require.NoError(t, err)
	assert.Equal(t, "general knowledge answer", res.Response)
}

func TestSendFeedsTranscriptAndCondenses(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{TopK: 2, Condense: true})
	ctx := context.Background()

	_, err := p.Send(ctx, SendRequest{Role: models.RoleUser, Content: "first", SessionID: "s"})
	require.NoError(t, err)
	_, err = p.Send(ctx, SendRequest{Role: models.RoleUser, Content: "second", SessionID: "s"})
	require.NoError(t, err)

	require.Len(t, h.generator.transcripts, 2)
	assert.Empty(t, h.generator.transcripts[0])
	require.Len(t, h.generator.transcripts[1], 1)
	assert.Contains(t, h.generator.transcripts[1][0].Question, "first")

	require.Len(t, h.generator.condensed, 1)
	assert.Contains(t, h.generator.condensed[0], "second")
	assert.Equal(t, "standalone question", h.retriever.queries[1])
	assert.Equal(t, 2, h.retriever.ks[1])
}

func TestSendRequestTimeout(t *testing.T) {
	h := newHarness(t)
	h.generator.delay = time.Second
	p := h.pipeline(Options{RequestTimeout: 20 * time.Millisecond})

	_, err := p.Send(context.Background(), SendRequest{Role: models.RoleUser, Content: "slow"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
}

func TestHistoryLimits(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{})
	ctx := context.Background()
	assert.Equal(t, 20, p.DefaultHistoryLimit())

	for i := 0; i < 3; i++ {
		_, err := p.Send(ctx, SendRequest{Role: models.RoleUser, Content: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}

	got, err := p.History(ctx, 4, "")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp), "history must be oldest first")
	}
	again, err := p.History(ctx, 4, "")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	for _, limit := range []int{0, -1, MaxHistoryLimit + 1, 1_000_000_000} {
		_, err := p.History(ctx, limit, "")
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	}

	all, err := p.History(ctx, MaxHistoryLimit, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestDefaultHistoryLimitIsBounded(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(Options{HistoryLimit: MaxHistoryLimit * 10})
	assert.Equal(t, MaxHistoryLimit, p.DefaultHistoryLimit())
}

func TestConcurrentSendsKeepTranscriptConsistent(t *testing.T) {
	h := newHarness(t)
	h.generator.answer = func(p string) string {
		i := strings.Index(p, "User Message: ")
		return "answer to " + strings.Fields(p[i+len("User Message: "):])[0]
	}
	p := h.pipeline(Options{})

	const sessions, perSession = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, sessions*perSession)
	for s := 0; s < sessions; s++ {
		for i := 0; i < perSession; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				res, err := p.Send(context.Background(), SendRequest{
					Role:      models.RoleUser,
					Content:   fmt.Sprintf("s%d-q%d", s, i),
					SessionID: fmt.Sprintf("s%d", s),
				})
				if err != nil {
					errs <- err
					return
				}
				if res.Response != fmt.Sprintf("answer to s%d-q%d", s, i) {
					errs <- fmt.Errorf("mismatched response %q", res.Response)
				}
			}(s, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	assert.Equal(t, 2*sessions*perSession, h.rowCount(t))
	for s := 0; s < sessions; s++ {
		transcript, err := h.memory.Transcript(context.Background(), fmt.Sprintf("s%d", s))
		require.NoError(t, err)
		require.Len(t, transcript, perSession)
		for _, turn := range transcript {
			assert.Contains(t, turn.Question, fmt.Sprintf("s%d-q", s))
			assert.Contains(t, turn.Answer, fmt.Sprintf("s%d-q", s))
		}
	}
}
