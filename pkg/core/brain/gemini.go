package brain

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider generates replies directly with the Gemini API. It is used
// by tenants that have no dedicated reply service; it never emits transfer or
// hangup directives.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed reply provider.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Reply streams a Gemini completion for the caller turn.
func (p *GeminiProvider) Reply(ctx context.Context, req Request) (Stream, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Transcript, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if sys := buildSystemPrompt(req); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}

	ctx, cancel := context.WithCancel(ctx)
	gs := &geminiStream{tokens: make(chan string, 16), errCh: make(chan error, 1), cancel: cancel}
	go func() {
		defer close(gs.tokens)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				gs.errCh <- fmt.Errorf("gemini stream: %w", err)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case gs.tokens <- text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return gs, nil
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
	}
	if req.Pricing != "" {
		b.WriteString("\n\nPricing:\n")
		b.WriteString(req.Pricing)
	}
	if len(req.Transfers) > 0 {
		b.WriteString("\n\nTransfer targets:\n")
		for _, t := range req.Transfers {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Number)
		}
	}
	return strings.TrimSpace(b.String())
}

type geminiStream struct {
	tokens chan string
	errCh  chan error
	cancel context.CancelFunc
}

func (s *geminiStream) Next() (string, error) {
	tok, ok := <-s.tokens
	if ok {
		return tok, nil
	}
	select {
	case err := <-s.errCh:
		return "", err
	default:
		return "", io.EOF
	}
}

func (s *geminiStream) Directives() Directives {
	return Directives{}
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
