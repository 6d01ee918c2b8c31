package detector

// Package detector talks to the remote layout-analysis service: one page
// image in, a set of typed bounding regions out. The service is opaque; this
// package only owns the wire contract and error classification.

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/remote"
	"github.com/archivista/gazette/internal/utils"
)

// Config holds connection settings for the layout service.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// JPEGQuality for the uploaded page image. Uploads are re-encoded to
	// keep request bodies small; 85 matches what the service was tuned on.
	JPEGQuality int
}

// DefaultConfig returns the connection defaults used when the configuration
// file leaves them unset.
func DefaultConfig() Config {
	return Config{
		Timeout:     120 * time.Second,
		JPEGQuality: 85,
	}
}

// Client is the API-backed layout capability.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a layout client from config.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultConfig().JPEGQuality
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Available reports whether the client is configured well enough to call.
func (c *Client) Available() bool {
	return c.cfg.URL != ""
}

// request is the service's parse payload. File carries the base64 page
// image; the remaining flags disable preprocessing passes this pipeline does
// not want.
type request struct {
	File                      string `json:"file"`
	FileType                  int    `json:"fileType"`
	UseDocOrientationClassify bool   `json:"useDocOrientationClassify"`
	UseDocUnwarping           bool   `json:"useDocUnwarping"`
	UseChartRecognition       bool   `json:"useChartRecognition"`
}

type response struct {
	Result struct {
		LayoutParsingResults []struct {
			Markdown struct {
				Text string `json:"text"`
			} `json:"markdown"`
			PrunedResult struct {
				ParsingResList []struct {
					BlockBBox    []float64 `json:"block_bbox"`
					BlockLabel   string    `json:"block_label"`
					BlockContent string    `json:"block_content"`
				} `json:"parsing_res_list"`
			} `json:"prunedResult"`
		} `json:"layoutParsingResults"`
	} `json:"result"`
}

// AnalyzeLayout sends the page image to the layout service and returns the
// detected regions with boxes in the coordinate space of the image that was
// sent.
func (c *Client) AnalyzeLayout(ctx context.Context, img image.Image) (*layout.Analysis, error) {
	if !c.Available() {
		return nil, &remote.APIError{Op: "layout", Message: "layout service URL not configured"}
	}

	jpeg, err := utils.EncodeJPEG(img, c.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("prepare layout request: %w", err)
	}
	body, err := json.Marshal(request{
		File:     base64.StdEncoding.EncodeToString(jpeg),
		FileType: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("encode layout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build layout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "token "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("layout call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read layout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &remote.APIError{
			Op:         "layout",
			StatusCode: resp.StatusCode,
			Message:    truncate(string(data), 200),
		}
	}

	return parseAnalysis(data)
}

func parseAnalysis(data []byte) (*layout.Analysis, error) {
	var parsed response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrMalformedResponse, err)
	}
	results := parsed.Result.LayoutParsingResults
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no layout parsing results", remote.ErrMalformedResponse)
	}

	first := results[0]
	analysis := &layout.Analysis{Transcript: first.Markdown.Text}
	for _, block := range first.PrunedResult.ParsingResList {
		if len(block.BlockBBox) != 4 {
			continue
		}
		box := layout.Box{
			X0: int(block.BlockBBox[0]),
			Y0: int(block.BlockBBox[1]),
			X1: int(block.BlockBBox[2]),
			Y1: int(block.BlockBBox[3]),
		}
		if box.Empty() {
			continue
		}
		kind := layout.RegionKind(block.BlockLabel)
		if block.BlockLabel == "" {
			kind = layout.KindText
		}
		analysis.Regions = append(analysis.Regions, layout.DetectedRegion{
			Box:  box,
			Kind: kind,
			Text: block.BlockContent,
		})
	}
	return analysis, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
