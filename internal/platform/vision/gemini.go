package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maxillocare/healing/internal/platform/imagestore"
)

const tracerName = "github.com/maxillocare/healing/internal/platform/vision"

// maxInlineImageBytes is the inline payload limit of generateContent.
const maxInlineImageBytes = 20 << 20

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// HTTPClient defaults to a client without its own timeout; callers bound
	// each Submit through the context.
	HTTPClient *http.Client
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (c *GeminiConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = "gemini-1.5-flash"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

// GeminiClient talks to the Gemini generateContent REST endpoint.
type GeminiClient struct {
	cfg     GeminiConfig
	store   imagestore.Store
	breaker *gobreaker.CircuitBreaker[string]
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewGeminiClient returns ErrNotConfigured when cfg.APIKey is blank.
func NewGeminiClient(cfg GeminiConfig, store imagestore.Store, logger zerolog.Logger) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	cfg.applyDefaults()

	logger = logger.With().Str("component", "vision").Str("model", cfg.Model).Logger()
	c := &GeminiClient{
		cfg:    cfg,
		store:  store,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (c *GeminiClient) Submit(ctx context.Context, imagePath string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "vision.Submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("vision.provider", "gemini"),
			attribute.String("vision.model", c.cfg.Model),
			attribute.String("image.path", imagePath),
		),
	)
	defer span.End()

	text, err := c.submit(ctx, imagePath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("vision.response_chars", len(text)))
	return text, nil
}

func (c *GeminiClient) submit(ctx context.Context, imagePath string) (string, error) {
	data, mimeType, err := c.loadImage(ctx, imagePath)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}},
				{Text: AnalysisPrompt},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding gemini request: %w", err)
	}

	text, err := c.breaker.Execute(func() (string, error) {
		return c.generate(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &UpstreamError{Message: "provider temporarily unavailable", Err: err}
	}
	return text, err
}

func (c *GeminiClient) loadImage(ctx context.Context, imagePath string) ([]byte, string, error) {
	rc, err := c.store.Open(ctx, imagePath)
	if errors.Is(err, imagestore.ErrNotFound) || errors.Is(err, imagestore.ErrInvalidKey) {
		return nil, "", fmt.Errorf("%w: %s", ErrImageFileNotFound, imagePath)
	}
	if err != nil {
		return nil, "", fmt.Errorf("opening image %s: %w", imagePath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxInlineImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading image %s: %w", imagePath, err)
	}
	if len(data) > maxInlineImageBytes {
		return nil, "", fmt.Errorf("image %s exceeds %d bytes", imagePath, maxInlineImageBytes)
	}
	return data, detectMimeType(imagePath, data), nil
}

func detectMimeType(name string, data []byte) string {
	if t := http.DetectContentType(data); strings.HasPrefix(t, "image/") {
		return t
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

func (c *GeminiClient) generate(ctx context.Context, body []byte) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.cfg.BaseURL, c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", &UpstreamError{Message: "request aborted", Err: ctxErr}
		}
		return "", &UpstreamError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	var out geminiResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out)

	c.logger.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("gemini generateContent")

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: "decoding response", Err: decodeErr}
	}

	var sb strings.Builder
	for _, cand := range out.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	if sb.Len() == 0 {
		msg := "empty response"
		if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
			msg = "response blocked: " + out.PromptFeedback.BlockReason
		}
		return "", &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}
	return sb.String(), nil
}
