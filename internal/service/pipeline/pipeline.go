// Package pipeline drives one chat turn from the incoming message to the
// persisted answer.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studybuddy/internal/apperr"
	"studybuddy/internal/log"
	"studybuddy/internal/models"
	"studybuddy/internal/service/prompt"
	"studybuddy/internal/worker"
)

const DefaultSessionID = "default"

// MaxHistoryLimit bounds the number of messages one history call may request.
const MaxHistoryLimit = 1000

type Stage string

const (
	StageReceived        Stage = "received"
	StagePersistedUser   Stage = "persisted_user"
	StageContextComposed Stage = "context_composed"
	StageGenerated       Stage = "generated"
	StagePersistedReply  Stage = "persisted_assistant"
	StageResponded       Stage = "responded"
)

type Store interface {
	Save(ctx context.Context, msg *models.Message) error
	ListRecent(ctx context.Context, limit int, sessionID string) ([]*models.Message, error)
}

type ContextRetriever interface {
	Passages(ctx context.Context, query string, k int) ([]models.Passage, error)
}

type Memory interface {
	Append(ctx context.Context, sessionID string, turn models.Turn) error
	Transcript(ctx context.Context, sessionID string) ([]models.Turn, error)
}

type AnswerGenerator interface {
	Generate(ctx context.Context, ragPrompt string, transcript []models.Turn) (string, error)
	Condense(ctx context.Context, transcript []models.Turn, question string) (string, error)
}

// Lanes serializes work per session.
type Lanes interface {
	Do(ctx context.Context, key string, fn worker.Task) error
}

type Options struct {
	TopK           int
	HistoryLimit   int
	Condense       bool
	RequestTimeout time.Duration
}

type SendRequest struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id"`
	Role      models.Role         `json:"role"`
	Content   string              `json:"content"`
	Subject   *string             `json:"subject"`
	Files     []models.Attachment `json:"files"`
}

type SendResult struct {
	Response    string `json:"response"`
	ID          string `json:"id"`
	AssistantID string `json:"assistant_id"`
	SessionID   string `json:"session_id"`
}

type Pipeline struct {
	store     Store
	retriever ContextRetriever
	memory    Memory
	generator AnswerGenerator
	lanes     Lanes
	opts      Options
}

func New(store Store, retriever ContextRetriever, memory Memory, generator AnswerGenerator, lanes Lanes, opts Options) *Pipeline {
	if opts.TopK <= 0 {
		opts.TopK = 4
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.HistoryLimit > MaxHistoryLimit {
		opts.HistoryLimit = MaxHistoryLimit
	}
	return &Pipeline{
		store:     store,
		retriever: retriever,
		memory:    memory,
		generator: generator,
		lanes:     lanes,
		opts:      opts,
	}
}

// Send runs a full turn. A user message saved before a later failure stays
// saved.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	msg, err := p.receive(req)
	logger := log.FromCtx(ctx).With().Str("session_id", req.SessionID).Logger()
	if err != nil {
		logger.Warn().Err(err).Str("stage", string(StageReceived)).Msg("turn rejected")
		return nil, err
	}
	logger = logger.With().Str("session_id", msg.SessionID).Str("message_id", msg.ID).Logger()
	logger.Debug().Str("stage", string(StageReceived)).Msg("turn accepted")

	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}

	var (
		result *SendResult
		stage  atomic.Value
	)
	stage.Store(StageReceived)
	err = p.lanes.Do(ctx, msg.SessionID, func(ctx context.Context) error {
		var err error
		result, err = p.turn(ctx, &logger, msg, &stage)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !apperr.Is(err, apperr.KindValidation) && !apperr.Is(err, apperr.KindStorage) {
			err = apperr.Upstream("request timed out", err)
		}
		logger.Error().Err(err).Str("stage", string(stage.Load().(Stage))).Msg("turn failed")
		return nil, err
	}
	logger.Debug().Str("stage", string(StageResponded)).Msg("turn complete")
	return result, nil
}

// DefaultHistoryLimit is used when the caller does not pass a limit.
func (p *Pipeline) DefaultHistoryLimit() int {
	return p.opts.HistoryLimit
}

// History returns up to limit messages, oldest first.
func (p *Pipeline) History(ctx context.Context, limit int, sessionID string) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, apperr.Validation("limit must be a positive integer")
	}
	if limit > MaxHistoryLimit {
		return nil, apperr.Validation("limit must not exceed %d", MaxHistoryLimit)
	}
	msgs, err := p.store.ListRecent(ctx, limit, sessionID)
	if err != nil {
		log.FromCtx(ctx).Error().Err(err).Msg("history query failed")
		return nil, err
	}
	return msgs, nil
}

func (p *Pipeline) receive(req SendRequest) (*models.Message, error) {
	if !req.Role.Valid() {
		return nil, apperr.Validation("role must be one of user, assistant")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, apperr.Validation("content must not be empty")
	}
	for i, f := range req.Files {
		if f.Type != models.AttachmentFile && f.Type != models.AttachmentLink {
			return nil, apperr.Validation("files[%d].type must be one of file, link", i)
		}
	}

	msg := &models.Message{
		ID:        req.ID,
		SessionID: req.SessionID,
		Role:      req.Role,
		Content:   req.Content,
		Subject:   req.Subject,
		Files:     req.Files,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = DefaultSessionID
	}
	return msg, nil
}

func (p *Pipeline) turn(ctx context.Context, logger *zerolog.Logger, msg *models.Message, stage *atomic.Value) (*SendResult, error) {
	advance := func(s Stage) {
		stage.Store(s)
		logger.Debug().Str("stage", string(s)).Msg("turn advanced")
	}

	if err := p.store.Save(ctx, msg); err != nil {
		return nil, err
	}
	advance(StagePersistedUser)

	transcript, err := p.memory.Transcript(ctx, msg.SessionID)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "load transcript", err)
	}

	userPrompt := prompt.ComposeUserPrompt(msg.Subject, msg.Files, msg.Content)
	question := userPrompt
	if p.opts.Condense && len(transcript) > 0 {
		question, err = p.generator.Condense(ctx, transcript, userPrompt)
		if err != nil {
			return nil, err
		}
	}
	passages, err := p.retriever.Passages(ctx, question, p.opts.TopK)
	if err != nil {
		return nil, err
	}
	ragPrompt := prompt.ComposeRAGPrompt(passages, question)
	logger.Debug().Int("passages", len(passages)).Int("turns", len(transcript)).Msg("context ready")
	advance(StageContextComposed)

	answer, err := p.generator.Generate(ctx, ragPrompt, transcript)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		return nil, apperr.Upstream("model returned an empty answer", nil)
	}
	if err := p.memory.Append(ctx, msg.SessionID, models.Turn{
		Question:  userPrompt,
		Answer:    answer,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, apperr.New(apperr.KindInternal, "append transcript", err)
	}
	advance(StageGenerated)

	reply := &models.Message{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		Role:      models.RoleAssistant,
		Content:   answer,
		Subject:   msg.Subject,
	}
	if err := p.store.Save(ctx, reply); err != nil {
		return nil, err
	}
	advance(StagePersistedReply)

	return &SendResult{
		Response:    answer,
		ID:          msg.ID,
		AssistantID: reply.ID,
		SessionID:   msg.SessionID,
	}, nil
}
