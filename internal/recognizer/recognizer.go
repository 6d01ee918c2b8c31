package recognizer

// Package recognizer extracts text from a single region image by calling an
// OpenAI-compatible vision-language endpoint. The historical newspaper
// material drives the prompt: traditional Chinese, frequently vertical
// layout, columns read right to left.

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/remote"
	"github.com/archivista/gazette/internal/utils"
)

// ContentBlockedPlaceholder is embedded in a document when the service's
// content filter rejects a region. Visible and greppable so a human can
// transcribe the region by hand.
const ContentBlockedPlaceholder = "<!-- error: content_blocked --> **[region blocked by the recognition service, transcribe manually]**"

// RetryExhaustedPlaceholder is embedded when the retry budget for a region
// ran out without a result.
const RetryExhaustedPlaceholder = "<!-- error: retry_exhausted --> **[recognition timed out or was throttled, no result]**"

// Config holds connection and preprocessing settings for the recognition
// service.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	// MaxRegionSide caps the uploaded crop size; larger crops are
	// downscaled uniformly before transmission. Boxes stored in the
	// layout document are unaffected.
	MaxRegionSide int
	// MinRegionSide enlarges very small crops, which recognize poorly
	// at native size.
	MinRegionSide int
	JPEGQuality   int
}

// DefaultConfig returns the recognition defaults.
func DefaultConfig() Config {
	return Config{
		Model:         "qwen-vl-max",
		Timeout:       60 * time.Second,
		MaxRegionSide: 1500,
		MinRegionSide: 200,
		JPEGQuality:   90,
	}
}

// Client is the API-backed recognition capability.
type Client struct {
	cfg    Config
	client openai.Client
}

// New creates a recognition client. Retries are handled by the caller's
// retry loop, so the SDK's own retrying is disabled.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRegionSide <= 0 {
		cfg.MaxRegionSide = def.MaxRegionSide
	}
	if cfg.MinRegionSide <= 0 {
		cfg.MinRegionSide = def.MinRegionSide
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, client: openai.NewClient(opts...)}
}

// Available reports whether credentials are configured.
func (c *Client) Available() bool {
	return c.cfg.APIKey != ""
}

// RecognizeRegion sends one region image to the service and returns the
// recognized text. The image may be resized for the request; any such
// transform is request-time only.
func (c *Client) RecognizeRegion(ctx context.Context, img image.Image, kind layout.RegionKind) (string, error) {
	if !c.Available() {
		return "", &remote.APIError{Op: "recognize", Message: "recognition API key not configured"}
	}

	prepared := c.preprocess(img)
	jpeg, err := utils.EncodeJPEG(prepared, c.cfg.JPEGQuality)
	if err != nil {
		return "", fmt.Errorf("prepare region image: %w", err)
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		openai.TextContentPart(buildPrompt(kind)),
	}
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(parts)},
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in completion", remote.ErrMalformedResponse)
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// preprocess scales the crop into the size window the service handles well.
func (c *Client) preprocess(img image.Image) image.Image {
	out, _ := utils.FitWithin(img, c.cfg.MaxRegionSide)
	b := out.Bounds()
	minSide := b.Dx()
	if b.Dy() < minSide {
		minSide = b.Dy()
	}
	if minSide > 0 && minSide < c.cfg.MinRegionSide {
		return utils.EnlargeBy(out, float64(c.cfg.MinRegionSide)/float64(minSide))
	}
	return out
}

// classifyError maps SDK failures onto the shared taxonomy. Content-filter
// rejections are surfaced via errors.Is(err, ErrContentBlocked) so callers
// can substitute the placeholder instead of failing the region.
func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 400 && looksLikeContentFilter(apiErr) {
			return ErrContentBlocked
		}
		return &remote.APIError{
			Op:         "recognize",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
	}
	return fmt.Errorf("recognition call: %w", err)
}

// ErrContentBlocked marks a content-policy rejection. Permanent, but handled
// specially: the region renders as a placeholder rather than a gap.
var ErrContentBlocked = errors.New("region blocked by content filter")

func looksLikeContentFilter(apiErr *openai.Error) bool {
	msg := strings.ToLower(apiErr.Message + " " + apiErr.Code)
	return strings.Contains(msg, "inspection") ||
		strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content management policy")
}

func buildPrompt(kind layout.RegionKind) string {
	var sb strings.Builder
	sb.WriteString(`Transcribe the text in this region.

Requirements:
1. This is part of a Republican-era Chinese newspaper: traditional characters, possibly vertical text.
2. Transcribe every character; do not omit anything.
3. Follow the correct reading order (vertical text top to bottom, columns right to left).
4. Add punctuation where it aids reading.
5. Output only the transcription, with no commentary.`)
	switch kind {
	case layout.KindTitle:
		// Formatting belongs to the renderer; asking for markdown here
		// would double the heading prefix.
		sb.WriteString("\n6. This is a headline region; output only the headline text, without any formatting.")
	case layout.KindTable:
		sb.WriteString("\n6. This is a table region; preserve the table structure as closely as possible.")
	}
	return sb.String()
}
