package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider streams replies from a reply service over newline-delimited
// JSON: token lines first, then one terminal line carrying the directives.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTP creates a reply provider for the given service base URL.
func NewHTTP(baseURL string) *HTTPProvider {
	return NewHTTPWithClient(baseURL, &http.Client{Timeout: 60 * time.Second})
}

// NewHTTPWithClient creates a reply provider with a custom HTTP client.
func NewHTTPWithClient(baseURL string, client *http.Client) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (p *HTTPProvider) Name() string {
	return "http"
}

type replyLine struct {
	Token    string          `json:"token,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Transfer string          `json:"transfer,omitempty"`
	Hangup   bool            `json:"hangup,omitempty"`
	Voice    *VoiceDirective `json:"voice_mode,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Reply posts the turn and returns the token stream.
func (p *HTTPProvider) Reply(ctx context.Context, req Request) (Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/reply", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reply request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("reply error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &httpStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type httpStream struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	directives Directives
	done       bool
}

func (s *httpStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl replyLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return "", fmt.Errorf("parse reply line: %w", err)
		}
		if rl.Error != "" {
			s.done = true
			return "", fmt.Errorf("reply service: %s", rl.Error)
		}
		if rl.Done {
			s.directives.Transfer = rl.Transfer
			s.directives.Hangup = rl.Hangup
			if rl.Voice != nil {
				s.directives.VoiceMode = rl.Voice
			}
			s.done = true
			return "", io.EOF
		}
		if rl.Voice != nil {
			// A voice directive may lead the stream so the reply itself is
			// spoken in the requested voice.
			s.directives.VoiceMode = rl.Voice
		}
		if rl.Token != "" {
			return rl.Token, nil
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read reply stream: %w", err)
	}
	// Stream ended without a terminal line; treat as a clean end with no
	// directives rather than dropping the tokens already spoken.
	return "", io.EOF
}

func (s *httpStream) Directives() Directives {
	return s.directives
}

func (s *httpStream) Close() error {
	return s.body.Close()
}
