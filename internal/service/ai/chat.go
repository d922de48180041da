package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"questro/internal/models"
)

const (
	chatSystemPrompt = "You are Questro, an AI learning assistant. You can help with questions in any language, " +
		"explain concepts, and solve problems. Always be helpful and educational."
	titleSystemPrompt = "You are a conversation title generator. " +
		"Based on the dialogue between the user and the AI, generate a concise and accurate title for the conversation. " +
		"The title should be at most 6 words and summarize the main topic of the conversation. " +
		"Output only the title; do not include any additional content."
	// DefaultChatTitle is used until a title could be generated.
	DefaultChatTitle = "New Conversation"
)

// Chat sends the conversation plus the new message and streams the reply.
// onChunk receives the accumulated content after every chunk.
func (g *Gateway) Chat(ctx context.Context, req Request, history []models.ChatMessage, message string, onChunk func(string) error) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("message cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	m, err := g.chatModel(ctx, &req)
	if err != nil {
		return "", err
	}

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(chatSystemPrompt))
	msgs = append(msgs, toSchemaMessages(history)...)
	msgs = append(msgs, schema.UserMessage(message))

	var stream *schema.StreamReader[*schema.Message]
	if len(g.tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: m,
			ToolsConfig:      compose.ToolsNodeConfig{Tools: g.tools},
		})
		if err != nil {
			return "", fmt.Errorf("init react agent: %w", err)
		}
		stream, err = agent.Stream(WithToolUser(ctx, req.UserID), msgs)
		if err != nil {
			return "", providerError(req.Provider, "chat", err)
		}
	} else {
		stream, err = m.Stream(ctx, msgs)
		if err != nil {
			return "", providerError(req.Provider, "chat", err)
		}
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", providerError(req.Provider, "chat", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(full.String()); err != nil {
				return "", err
			}
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", providerError(req.Provider, "chat", nil)
	}
	return full.String(), nil
}

// GenerateTitle asks the provider for a short title of the conversation.
func (g *Gateway) GenerateTitle(ctx context.Context, req Request, messages []models.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return DefaultChatTitle, nil
	}
	var conversation strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversation, "User: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversation, "Assistant: %s\n", msg.Content)
		}
	}
	title, err := g.generate(ctx, req, "generate title", []*schema.Message{
		schema.SystemMessage(titleSystemPrompt),
		schema.UserMessage("Please generate a clean title using following conversation messages:\n\n" + conversation.String()),
	})
	if err != nil {
		return "", err
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return DefaultChatTitle, nil
	}
	return title, nil
}

func toSchemaMessages(history []models.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
