package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"studybuddy/internal/apperr"
	"studybuddy/internal/config"
	"studybuddy/internal/log"
	"studybuddy/internal/models"
	"studybuddy/internal/service/prompt"
)

// NewChatModel builds the chat model for provider. genaiClient is shared with
// the embedder and only used by the gemini provider.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, genaiClient *genai.Client) (model.BaseChatModel, error) {
	var maxTokens *int
	if provCfg.MaxTokens > 0 {
		mt := provCfg.MaxTokens
		maxTokens = &mt
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "gemini":
		if genaiClient == nil {
			return nil, fmt.Errorf("gemini provider requires a genai client")
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      genaiClient,
			Model:       provCfg.Model,
			MaxTokens:   maxTokens,
			Temperature: provCfg.Temperature,
		})
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       provCfg.Model,
			APIKey:      provCfg.APIKey,
			MaxTokens:   maxTokens,
			Temperature: provCfg.Temperature,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		mt := provCfg.MaxTokens
		if mt <= 0 {
			mt = 1024
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       provCfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   mt,
			Temperature: provCfg.Temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// Generator turns a composed prompt plus the running transcript into an answer.
type Generator struct {
	model    model.BaseChatModel
	template einoprompt.ChatTemplate
}

func NewGenerator(chatModel model.BaseChatModel) *Generator {
	return &Generator{model: chatModel, template: prompt.ChatTemplate()}
}

// Generate asks the model once. A failed call or an empty completion is an
// upstream error; nothing is retried.
func (g *Generator) Generate(ctx context.Context, ragPrompt string, transcript []models.Turn) (string, error) {
	msgs, err := prompt.Messages(ctx, g.template, transcript, ragPrompt)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "render prompt", err)
	}
	answer, err := g.call(ctx, msgs)
	if err != nil {
		return "", err
	}
	if answer == "" {
		return "", apperr.Upstream("model returned an empty answer", nil)
	}
	return answer, nil
}

// Condense rewrites question into a standalone one using the transcript. With
// no prior turns the question is returned unchanged.
func (g *Generator) Condense(ctx context.Context, transcript []models.Turn, question string) (string, error) {
	if len(transcript) == 0 {
		return question, nil
	}
	msgs := []*schema.Message{schema.UserMessage(prompt.ComposeCondensePrompt(transcript, question))}
	standalone, err := g.call(ctx, msgs)
	if err != nil {
		return "", err
	}
	if standalone == "" {
		log.FromCtx(ctx).Warn().Msg("condense returned nothing, using original question")
		return question, nil
	}
	return standalone, nil
}

func (g *Generator) call(ctx context.Context, msgs []*schema.Message) (string, error) {
	resp, err := g.model.Generate(ctx, msgs)
	if err != nil {
		return "", apperr.Upstream("generate answer", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}
