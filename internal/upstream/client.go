// Package upstream speaks the Gemini generateContent API. It translates the
// gateway's message model into Gemini contents, invokes the upstream in
// buffered or streaming mode, and classifies failures for the credential
// pool.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gproxy/gproxy/pkg/models"
)

// authHeader carries the credential secret on every upstream call.
const authHeader = "x-goog-api-key"

// maxErrorBody caps how much of an upstream error response is retained.
const maxErrorBody = 2048

// Client invokes one Gemini-style upstream. Timeouts come from the caller's
// context; the embedded http.Client deliberately has none so streams can
// outlive any fixed duration up to the per-attempt deadline.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Request is one translated chat completion call.
type Request struct {
	Model       string
	Messages    []models.ChatMessage
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
}

// Usage is the token accounting for one completed call. Estimated is set
// when the upstream omitted usage metadata and counts were derived from
// text length.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Estimated    bool
}

// Completion is a buffered (non-streaming) result.
type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Delta is one streaming increment. Usage is non-nil on chunks that carry
// usage metadata (normally the last one).
type Delta struct {
	Text         string
	FinishReason string
	Usage        *Usage
}

// ── Wire schema ─────────────────────────────────────────────

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *usageMetadata    `json:"usageMetadata"`
}

// translate maps the inbound messages onto Gemini's schema: system messages
// merge into systemInstruction, assistant becomes the "model" role.
func translate(req *Request) *geminiRequest {
	out := &geminiRequest{}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Content)
		case models.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n")}},
		}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

// ── Errors ──────────────────────────────────────────────────

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// ErrMalformed marks a 2xx response whose body could not be interpreted.
var ErrMalformed = errors.New("malformed upstream response")

// FailureKind buckets an invoke error for the pool.
type FailureKind int

const (
	FailTransport FailureKind = iota
	FailRateLimited
	FailServerError
	FailFatal
	FailInvalidRequest
)

// Classify maps an invoke error onto the retry policy: 429 is rate limiting,
// 401/403 kill the credential, a 400 that names an invalid key also kills
// it, any other 400 means the upstream permanently rejected the request
// itself and no credential can help, malformed bodies and every other
// non-2xx count as server errors, and anything without an HTTP status is a
// transport fault.
func Classify(err error) FailureKind {
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return FailRateLimited
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			return FailFatal
		case he.StatusCode == http.StatusBadRequest && strings.Contains(he.Body, "API_KEY_INVALID"):
			return FailFatal
		case he.StatusCode == http.StatusBadRequest:
			return FailInvalidRequest
		default:
			return FailServerError
		}
	}
	if errors.Is(err, ErrMalformed) {
		return FailServerError
	}
	return FailTransport
}

// ── Invocation ──────────────────────────────────────────────

func (c *Client) endpoint(model, op, query string) string {
	u := c.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":" + op
	if query != "" {
		u += "?" + query
	}
	return u
}

func (c *Client) do(ctx context.Context, secret, endpoint string, req *Request) (*http.Response, error) {
	body, err := json.Marshal(translate(req))
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(authHeader, secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// Generate performs a buffered generateContent call.
func (c *Client) Generate(ctx context.Context, secret string, req *Request) (*Completion, error) {
	resp, err := c.do(ctx, secret, c.endpoint(req.Model, "generateContent", ""), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(body.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrMalformed)
	}

	cand := body.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}

	out := &Completion{
		Text:         text.String(),
		FinishReason: mapFinishReason(cand.FinishReason),
	}
	if body.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  body.UsageMetadata.PromptTokenCount,
			OutputTokens: body.UsageMetadata.CandidatesTokenCount,
		}
	} else {
		out.Usage = Usage{
			InputTokens:  EstimateTokens(joinedInput(req)),
			OutputTokens: EstimateTokens(out.Text),
			Estimated:    true,
		}
	}
	return out, nil
}

// Stream opens a streamGenerateContent call with the SSE dialect. The
// caller must drain Recv until io.EOF or Close the stream.
func (c *Client) Stream(ctx context.Context, secret string, req *Request) (*Stream, error) {
	resp, err := c.do(ctx, secret, c.endpoint(req.Model, "streamGenerateContent", "alt=sse"), req)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Stream{body: resp.Body, sc: sc, req: req}, nil
}

// mapFinishReason converts Gemini finish reasons onto the OpenAI ones the
// clients expect.
func mapFinishReason(r string) string {
	switch r {
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

func joinedInput(req *Request) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content)
	}
	return b.String()
}

// EstimateTokens approximates a token count as codepoints divided by four,
// rounded up. Used only when the upstream omits usage metadata; log rows
// built from it are flagged estimated.
func EstimateTokens(s string) int64 {
	n := int64(0)
	for range s {
		n++
	}
	return (n + 3) / 4
}

// ── Streaming ───────────────────────────────────────────────

// Stream reads server-sent events off a streamGenerateContent response.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	req  *Request
	text strings.Builder // accumulated output, for the estimate fallback
	saw  bool            // usage metadata observed
}

// Recv returns the next delta. io.EOF signals a clean end of stream; any
// other error means the stream broke mid-flight.
func (s *Stream) Recv() (*Delta, error) {
	for s.sc.Scan() {
		line := s.sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		d := &Delta{}
		if len(chunk.Candidates) > 0 {
			cand := chunk.Candidates[0]
			var text strings.Builder
			for _, p := range cand.Content.Parts {
				text.WriteString(p.Text)
			}
			d.Text = text.String()
			if cand.FinishReason != "" {
				d.FinishReason = mapFinishReason(cand.FinishReason)
			}
		}
		s.text.WriteString(d.Text)
		if chunk.UsageMetadata != nil {
			s.saw = true
			d.Usage = &Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		return d, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}
	return nil, io.EOF
}

// FallbackUsage estimates token counts from the text relayed so far. Valid
// once Recv has returned io.EOF without any usage metadata.
func (s *Stream) FallbackUsage() (Usage, bool) {
	if s.saw {
		return Usage{}, false
	}
	return Usage{
		InputTokens:  EstimateTokens(joinedInput(s.req)),
		OutputTokens: EstimateTokens(s.text.String()),
		Estimated:    true,
	}, true
}

func (s *Stream) Close() error { return s.body.Close() }
