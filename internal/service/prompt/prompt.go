// Package prompt renders the text sent to the model. Every function here is
// pure; user-supplied text is only ever substituted as a value.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"studybuddy/internal/models"
)

const (
	DefaultSubject = "General"
	noFiles        = "None"

	historyKey = "chat_history"
	promptKey  = "prompt"
)

const userPromptTemplate = `
Subject: %s
Files/Links Info: %s
User Message: %s

Instructions:
- Be concise and friendly
- Answer as if you are tutoring the user
`

const ragPromptTemplate = `You are StudyBuddy, an AI tutor assistant.
Use the following pieces of context to answer the question at the end.
If the answer is not in the context, answer the question using your own general knowledge.

Context:
%s

Question: %s

Assistant:`

const condensePromptTemplate = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question, in its original language.

Chat History:
%s
Follow Up Input: %s
Standalone question:`

// ComposeUserPrompt wraps the raw message with its subject and attachments.
func ComposeUserPrompt(subject *string, files []models.Attachment, content string) string {
	subj := DefaultSubject
	if subject != nil && *subject != "" {
		subj = *subject
	}
	info := noFiles
	if len(files) > 0 {
		if raw, err := json.Marshal(files); err == nil {
			info = string(raw)
		}
	}
	return fmt.Sprintf(userPromptTemplate, subj, info, content)
}

// ComposeRAGPrompt inlines the retrieved passages ahead of the question. With
// no passages the context block is empty and the model falls back to general
// knowledge.
func ComposeRAGPrompt(passages []models.Passage, question string) string {
	chunks := make([]string, 0, len(passages))
	for _, p := range passages {
		chunks = append(chunks, p.Content)
	}
	return fmt.Sprintf(ragPromptTemplate, strings.Join(chunks, "\n\n"), question)
}

// ComposeCondensePrompt asks the model to rewrite a follow-up into a
// standalone question.
func ComposeCondensePrompt(transcript []models.Turn, question string) string {
	var b strings.Builder
	for _, t := range transcript {
		b.WriteString("Human: ")
		b.WriteString(t.Question)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Answer)
		b.WriteString("\n")
	}
	return fmt.Sprintf(condensePromptTemplate, b.String(), question)
}

// ChatTemplate lays out prior turns followed by the final prompt.
func ChatTemplate() einoprompt.ChatTemplate {
	return einoprompt.FromMessages(schema.FString,
		schema.MessagesPlaceholder(historyKey, true),
		schema.UserMessage("{"+promptKey+"}"),
	)
}

// Messages renders transcript and text into model input.
func Messages(ctx context.Context, tpl einoprompt.ChatTemplate, transcript []models.Turn, text string) ([]*schema.Message, error) {
	history := make([]*schema.Message, 0, len(transcript)*2)
	for _, t := range transcript {
		history = append(history, schema.UserMessage(t.Question), schema.AssistantMessage(t.Answer, nil))
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		historyKey: history,
		promptKey:  text,
	})
	if err != nil {
		return nil, fmt.Errorf("format chat template: %w", err)
	}
	return msgs, nil
}
