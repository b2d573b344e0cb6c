package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dextrends/ragcore/internal/metrics"
	"github.com/dextrends/ragcore/llm/circuitbreaker"
	"github.com/dextrends/ragcore/llm/retry"
	"github.com/dextrends/ragcore/llm/tokenizer"
)

// ClientConfig holds completion defaults. Zero values are replaced in
// NewClient.
type ClientConfig struct {
	Model         string
	MaxTokens     int
	Temperature   float32
	RatePerMinute int

	// MaxImageBytes caps decoded image attachment size. Default 20 MiB.
	MaxImageBytes int

	// ImageDetail is the provider detail hint for image parts. Default "auto".
	ImageDetail string
}

// ErrType classifies a failed call in results. Results carry these instead
// of error returns so the pipeline can always degrade to a response.
const (
	ErrTypeCircuitOpen = "circuit_open"
	ErrTypeRateLimit   = "rate_limit"
	ErrTypeTimeout     = "timeout"
	ErrTypeConnection  = "connection"
	ErrTypeAPIError    = "api_error"
)

// Client wraps a Provider with rate limiting, retries, circuit breaking,
// and token accounting. Provider failures surface as structured results,
// never as Go errors.
type Client struct {
	provider Provider
	breaker  *circuitbreaker.Breaker
	limiter  *rate.Limiter
	retryer  *retry.Retryer
	counter  tokenizer.Counter
	fallback tokenizer.Counter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      ClientConfig
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTokenCounter replaces the default tiktoken counter.
func WithTokenCounter(counter tokenizer.Counter) ClientOption {
	return func(c *Client) { c.counter = counter }
}

// WithRetryPolicy replaces the default backoff policy.
func WithRetryPolicy(p *retry.Policy) ClientOption {
	return func(c *Client) { c.retryer = retry.New(p, c.logger) }
}

// NewClient creates a client around the given provider.
func NewClient(provider Provider, cfg ClientConfig, logger *zap.Logger, opts ...ClientOption) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-nano"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 20 * 1024 * 1024
	}
	if cfg.ImageDetail == "" {
		cfg.ImageDetail = "auto"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm_client"))

	c := &Client{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute),
		counter:  tokenizer.NewTiktoken(cfg.Model),
		fallback: tokenizer.NewEstimator(),
		logger:   logger,
		cfg:      cfg,
	}
	policy := retry.DefaultPolicy()
	policy.ShouldRetry = func(err error) bool {
		var llmErr *Error
		if errors.As(err, &llmErr) {
			return llmErr.Retryable
		}
		return false
	}
	c.retryer = retry.New(policy, logger)
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(nil, logger)
	}
	return c
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// CountTokens returns the token count for text, falling back to a character
// estimate when the encoding is unavailable.
func (c *Client) CountTokens(text string) int {
	n, err := c.counter.CountTokens(text)
	if err != nil {
		n, _ = c.fallback.CountTokens(text)
	}
	return n
}

// defaultSystemPrompt is used when the request carries no system prompt.
const defaultSystemPrompt = "You are a helpful AI assistant for Dextrends, a fintech and blockchain solutions company."

// MessageRequest describes one prompt to assemble.
type MessageRequest struct {
	Query        string
	SystemPrompt string

	// History is prior conversation turns, oldest first.
	History []Message

	// RAGContext, when non-empty, is retrieved context the user turn is
	// wrapped around.
	RAGContext string

	// Memories, when non-empty, is injected as an assistant turn before
	// the history.
	Memories string

	// Images are base64 data URLs (or raw base64) attached to the user turn.
	Images []string
}

// MessageBundle is the assembled prompt plus accounting.
type MessageBundle struct {
	Messages        []Message
	SystemTokens    int
	HistoryTokens   int
	QueryTokens     int
	TotalTokens     int
	ProcessedImages int
	SkippedImages   int
}

var allowedImageTypes = map[string]bool{
	"png": true, "jpeg": true, "jpg": true, "gif": true, "webp": true,
}

// validateImage checks a base64 image attachment and normalizes it to a
// data URL. Raw base64 without a data URL prefix is assumed to be JPEG.
func (c *Client) validateImage(img string) (string, error) {
	payload := img
	if strings.HasPrefix(img, "data:") {
		rest, ok := strings.CutPrefix(img, "data:image/")
		if !ok {
			return "", fmt.Errorf("unsupported data URL media type")
		}
		mediaType, b64, ok := strings.Cut(rest, ";base64,")
		if !ok {
			return "", fmt.Errorf("image data URL is not base64-encoded")
		}
		if !allowedImageTypes[strings.ToLower(mediaType)] {
			return "", fmt.Errorf("unsupported image type %q", mediaType)
		}
		payload = b64
	} else {
		img = "data:image/jpeg;base64," + img
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("invalid base64 image data: %w", err)
	}
	if len(decoded) == 0 {
		return "", fmt.Errorf("empty image data")
	}
	if len(decoded) > c.cfg.MaxImageBytes {
		return "", fmt.Errorf("image exceeds %d byte limit", c.cfg.MaxImageBytes)
	}
	return img, nil
}

// CreateMessages assembles the full prompt: system turn, optional memory
// turn, conversation history, then the user turn with optional RAG context
// wrapping and image attachments. Invalid images are skipped, never fatal.
func (c *Client) CreateMessages(req MessageRequest) MessageBundle {
	var bundle MessageBundle

	system := req.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	bundle.Messages = append(bundle.Messages, Message{Role: RoleSystem, Content: system})
	bundle.SystemTokens = c.CountTokens(system)

	if req.Memories != "" {
		memContent := "Relevant information from previous conversations:\n" + req.Memories
		bundle.Messages = append(bundle.Messages, Message{Role: RoleAssistant, Content: memContent})
		bundle.HistoryTokens += c.CountTokens(memContent)
	}

	for _, m := range req.History {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		bundle.Messages = append(bundle.Messages, Message{Role: m.Role, Content: m.Content})
		bundle.HistoryTokens += c.CountTokens(m.Content)
	}

	userText := req.Query
	if req.RAGContext != "" {
		userText = fmt.Sprintf("Context information:\n%s\n\nUser question: %s", req.RAGContext, req.Query)
	}
	bundle.QueryTokens = c.CountTokens(userText)

	if len(req.Images) == 0 {
		bundle.Messages = append(bundle.Messages, Message{Role: RoleUser, Content: userText})
	} else {
		parts := []ContentPart{{Type: "text", Text: userText}}
		for _, img := range req.Images {
			url, err := c.validateImage(img)
			if err != nil {
				c.logger.Warn("skipping invalid image attachment", zap.Error(err))
				c.metrics.IncImagesSkipped()
				bundle.SkippedImages++
				continue
			}
			parts = append(parts, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: url, Detail: c.cfg.ImageDetail},
			})
			bundle.ProcessedImages++
		}
		bundle.Messages = append(bundle.Messages, Message{Role: RoleUser, Parts: parts})
	}

	bundle.TotalTokens = bundle.SystemTokens + bundle.HistoryTokens + bundle.QueryTokens
	return bundle
}

// callOptions are per-call overrides of the client defaults.
type callOptions struct {
	model       string
	maxTokens   int
	temperature float32
	hasTemp     bool
}

type CallOption func(*callOptions)

func WithModel(model string) CallOption {
	return func(o *callOptions) { o.model = model }
}

func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

func WithTemperature(t float32) CallOption {
	return func(o *callOptions) { o.temperature = t; o.hasTemp = true }
}

func (c *Client) buildRequest(messages []Message, opts []CallOption) *ChatRequest {
	o := callOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	req := &ChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if o.model != "" {
		req.Model = o.model
	}
	if o.maxTokens > 0 {
		req.MaxTokens = o.maxTokens
	}
	if o.hasTemp {
		req.Temperature = o.temperature
	}
	return req
}

// CompletionResult is the structured outcome of a completion attempt.
// Success false with Err set means the provider failed; the caller decides
// how to degrade.
type CompletionResult struct {
	Completion       string
	CompletionTokens int
	Model            string
	ResponseTime     time.Duration
	Success          bool
	Err              string
	ErrType          string
}

// classifyError maps a provider error to a result error type plus the
// user-facing message.
func classifyError(err error) (errType, msg string) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		switch llmErr.Code {
		case ErrRateLimited:
			return ErrTypeRateLimit, "Rate limit exceeded - please wait before trying again"
		case ErrReadTimeout:
			return ErrTypeTimeout, "Response timeout - please try again"
		case ErrConnectTimeout:
			return ErrTypeTimeout, "Connection timeout - unable to reach AI service"
		case ErrUpstreamTimeout:
			return ErrTypeTimeout, "Request timed out - please try again"
		case ErrProviderUnavailable:
			return ErrTypeConnection, "Connection error - AI service unavailable"
		default:
			return ErrTypeAPIError, llmErr.Message
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timeout") {
		return ErrTypeTimeout, "Request timed out - please try again"
	}
	if strings.Contains(lower, "connection") || strings.Contains(lower, "network") {
		return ErrTypeConnection, "Connection error - AI service unavailable"
	}
	return ErrTypeAPIError, err.Error()
}

// recordOutcome updates the breaker and metrics. Rate-limit errors are not
// provider failures and never count toward the breaker threshold.
func (c *Client) recordOutcome(errType string, d time.Duration) {
	success := errType == ""
	c.metrics.ObserveCompletion(success, d)
	if success {
		c.breaker.RecordSuccess()
	} else if errType != ErrTypeRateLimit {
		c.breaker.RecordFailure()
	}
	c.metrics.SetBreakerState(float64(c.breaker.State()))
}

// Complete performs a synchronous completion with rate limiting, retries,
// and circuit breaking.
func (c *Client) Complete(ctx context.Context, messages []Message, opts ...CallOption) CompletionResult {
	start := time.Now()

	if !c.breaker.CallAllowed() {
		c.logger.Warn("completion rejected by circuit breaker")
		c.metrics.SetBreakerState(float64(c.breaker.State()))
		return CompletionResult{
			ResponseTime: time.Since(start),
			Err:          "Service temporarily unavailable - please try again later",
			ErrType:      ErrTypeCircuitOpen,
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return CompletionResult{
			ResponseTime: time.Since(start),
			Err:          "Request canceled while waiting for rate limit",
			ErrType:      ErrTypeRateLimit,
		}
	}

	req := c.buildRequest(messages, opts)

	var resp *ChatResponse
	err := c.retryer.Do(ctx, func() error {
		var callErr error
		resp, callErr = c.provider.Completion(ctx, req)
		return callErr
	})

	elapsed := time.Since(start)
	if err != nil {
		errType, msg := classifyError(err)
		c.recordOutcome(errType, elapsed)
		c.logger.Warn("completion failed",
			zap.String("error_type", errType),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return CompletionResult{ResponseTime: elapsed, Err: msg, ErrType: errType}
	}

	c.recordOutcome("", elapsed)
	completion := resp.Text()
	tokens := resp.Usage.CompletionTokens
	if tokens == 0 {
		tokens = c.CountTokens(completion)
	}
	c.logger.Debug("completion succeeded",
		zap.Int("completion_tokens", tokens),
		zap.Duration("elapsed", elapsed))
	return CompletionResult{
		Completion:       completion,
		CompletionTokens: tokens,
		Model:            resp.Model,
		ResponseTime:     elapsed,
		Success:          true,
	}
}

// CompleteAsync runs Complete in a goroutine and delivers the result on the
// returned channel.
func (c *Client) CompleteAsync(ctx context.Context, messages []Message, opts ...CallOption) <-chan CompletionResult {
	ch := make(chan CompletionResult, 1)
	go func() {
		defer close(ch)
		ch <- c.Complete(ctx, messages, opts...)
	}()
	return ch
}

// StreamErrorCategory tags the failure mode of a streaming completion.
type StreamErrorCategory string

const (
	StreamErrCircuitOpen    StreamErrorCategory = "circuit_open"
	StreamErrRateLimit      StreamErrorCategory = "rate_limit"
	StreamErrReadTimeout    StreamErrorCategory = "read_timeout"
	StreamErrConnectTimeout StreamErrorCategory = "connect_timeout"
	StreamErrTimeout        StreamErrorCategory = "timeout"
	StreamErrConnection     StreamErrorCategory = "connection"
	StreamErrInternal       StreamErrorCategory = "internal"
)

// StreamError is a terminal streaming failure.
type StreamError struct {
	Category StreamErrorCategory
	Message  string
}

// StreamEvent is one element of a streamed completion: either a text chunk
// or a terminal error, never both.
type StreamEvent struct {
	Chunk string
	Err   *StreamError
}

func streamErrorFor(err error) *StreamError {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		switch llmErr.Code {
		case ErrRateLimited:
			return &StreamError{Category: StreamErrRateLimit, Message: "Rate limit exceeded - please wait before trying again"}
		case ErrReadTimeout:
			return &StreamError{Category: StreamErrReadTimeout, Message: "Response timeout - please try again"}
		case ErrConnectTimeout:
			return &StreamError{Category: StreamErrConnectTimeout, Message: "Connection timeout - unable to reach AI service"}
		case ErrUpstreamTimeout:
			return &StreamError{Category: StreamErrTimeout, Message: "Request timed out - please try again"}
		case ErrProviderUnavailable:
			return &StreamError{Category: StreamErrConnection, Message: "Connection error - AI service unavailable"}
		default:
			return &StreamError{Category: StreamErrInternal, Message: llmErr.Message}
		}
	}
	return &StreamError{Category: StreamErrInternal, Message: "Streaming error occurred"}
}

// Stream performs a streaming completion. The returned channel yields text
// chunks and closes when the stream ends; a failure yields exactly one
// error event and then closes. When the breaker is open the provider is
// never contacted.
func (c *Client) Stream(ctx context.Context, messages []Message, opts ...CallOption) <-chan StreamEvent {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		if !c.breaker.CallAllowed() {
			c.logger.Warn("stream rejected by circuit breaker")
			c.metrics.SetBreakerState(float64(c.breaker.State()))
			out <- StreamEvent{Err: &StreamError{
				Category: StreamErrCircuitOpen,
				Message:  "Service temporarily unavailable - please try again later",
			}}
			return
		}

		if err := c.limiter.Wait(ctx); err != nil {
			out <- StreamEvent{Err: &StreamError{
				Category: StreamErrInternal,
				Message:  "Request canceled while waiting for rate limit",
			}}
			return
		}

		start := time.Now()
		req := c.buildRequest(messages, opts)
		upstream, err := c.provider.Stream(ctx, req)
		if err != nil {
			streamErr := streamErrorFor(err)
			if streamErr.Category != StreamErrRateLimit {
				c.breaker.RecordFailure()
			}
			c.metrics.ObserveCompletion(false, time.Since(start))
			c.metrics.SetBreakerState(float64(c.breaker.State()))
			c.logger.Warn("stream failed to start",
				zap.String("category", string(streamErr.Category)),
				zap.Error(err))
			out <- StreamEvent{Err: streamErr}
			return
		}

		failed := false
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr := streamErrorFor(chunk.Err)
				if streamErr.Category != StreamErrRateLimit {
					c.breaker.RecordFailure()
				}
				failed = true
				c.logger.Warn("stream interrupted",
					zap.String("category", string(streamErr.Category)))
				select {
				case out <- StreamEvent{Err: streamErr}:
				case <-ctx.Done():
				}
				break
			}
			if chunk.Delta == "" {
				continue
			}
			select {
			case out <- StreamEvent{Chunk: chunk.Delta}:
			case <-ctx.Done():
				return
			}
		}

		c.metrics.ObserveCompletion(!failed, time.Since(start))
		if !failed {
			c.breaker.RecordSuccess()
		}
		c.metrics.SetBreakerState(float64(c.breaker.State()))
	}()

	return out
}

// StreamSummary is the aggregate outcome of a callback-driven stream.
type StreamSummary struct {
	Completion       string
	CompletionTokens int
	ResponseTime     time.Duration
	Success          bool
	CallbackFailed   bool
	Err              string
	ErrType          string
}

// StreamWithCallback streams a completion, invoking cb for each chunk. A
// callback error latches CallbackFailed and stops further callback
// invocations, but the stream is drained so the full completion is still
// accumulated.
func (c *Client) StreamWithCallback(ctx context.Context, messages []Message, cb func(chunk string) error, opts ...CallOption) StreamSummary {
	start := time.Now()
	var sb strings.Builder
	summary := StreamSummary{}

	for event := range c.Stream(ctx, messages, opts...) {
		if event.Err != nil {
			summary.Err = event.Err.Message
			summary.ErrType = string(event.Err.Category)
			break
		}
		sb.WriteString(event.Chunk)
		if cb != nil && !summary.CallbackFailed {
			if err := cb(event.Chunk); err != nil {
				c.logger.Warn("stream callback failed, continuing accumulation", zap.Error(err))
				summary.CallbackFailed = true
			}
		}
	}

	summary.Completion = sb.String()
	summary.ResponseTime = time.Since(start)
	summary.Success = summary.Err == ""
	if summary.Completion != "" {
		summary.CompletionTokens = c.CountTokens(summary.Completion)
	}
	return summary
}
