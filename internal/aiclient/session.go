package aiclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/aixgo-dev/aixgo/internal/domain"
)

// genaiSession is the provider-side chatSession backed by the genai SDK's
// own multi-turn Chat, which keeps turn history on the client side and
// sends the whole transcript with every call.
type genaiSession struct {
	ctx  context.Context
	chat *genai.Chat
}

func newGenaiSession(ctx context.Context, client *genai.Client, model, primer string, history []*domain.Message) (*genaiSession, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(primer, genai.RoleUser),
	}

	chat, err := client.Chats.Create(ctx, model, cfg, seedHistory(history))
	if err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return &genaiSession{ctx: ctx, chat: chat}, nil
}

func seedHistory(messages []*domain.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Direction == domain.DirectionBot {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Text, role))
	}
	return out
}

// Send appends text as a user turn and returns the model's reply text.
func (s *genaiSession) Send(text string) (string, error) {
	resp, err := s.chat.SendMessage(s.ctx, genai.Part{Text: text})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("empty response")
	}
	return resp.Text(), nil
}

// summarizeTranscript issues a single low-temperature structured-JSON
// call asking the model to condense history into a short memory
// summary, the same GenerateContent entry point vertexai.go's
// CreateStructured uses, just pointed at the chat model directly
// instead of a provider abstraction.
func summarizeTranscript(ctx context.Context, client *genai.Client, model string, history []*domain.Message) (string, error) {
	var transcript string
	for _, m := range history {
		speaker := "user"
		if m.Direction == domain.DirectionBot {
			speaker = "assistant"
		}
		transcript += fmt.Sprintf("%s: %s\n", speaker, m.Text)
	}

	prompt := "Summarize the conversation below into a JSON object with exactly these keys: " +
		"\"summary\" (one or two sentences), \"facts\" (array of short factual strings learned about the user), " +
		"\"preferences\" (array of short strings describing stated preferences). Conversation:\n\n" + transcript

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(float32(0.0)),
	}

	resp, err := client.Models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("summarize transcript: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("summarize transcript: empty response")
	}
	return resp.Text(), nil
}
