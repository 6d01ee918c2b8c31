package detector

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/archivista/gazette/internal/layout"
	"github.com/archivista/gazette/internal/remote"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
  "result": {
    "layoutParsingResults": [
      {
        "markdown": {"text": "# raw transcript"},
        "prunedResult": {
          "parsing_res_list": [
            {"block_bbox": [10, 20, 400, 120], "block_label": "title", "block_content": "大公報"},
            {"block_bbox": [10, 140, 400, 900], "block_label": "text", "block_content": ""},
            {"block_bbox": [0, 0, 0, 0], "block_label": "text", "block_content": "degenerate"},
            {"block_bbox": [410, 140, 800, 900], "block_label": "", "block_content": ""}
          ]
        }
      }
    ]
  }
}`

func TestAnalyzeLayoutParsesRegions(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Token: "secret"})
	analysis, err := c.AnalyzeLayout(context.Background(), imaging.New(32, 32, color.White))
	require.NoError(t, err)

	assert.Equal(t, "token secret", gotAuth)
	assert.NotEmpty(t, gotBody["file"], "page image must be uploaded as base64")
	assert.InDelta(t, 1.0, gotBody["fileType"], 0.01)

	assert.Equal(t, "# raw transcript", analysis.Transcript)
	require.Len(t, analysis.Regions, 3, "degenerate boxes are dropped")
	assert.Equal(t, layout.Box{X0: 10, Y0: 20, X1: 400, Y1: 120}, analysis.Regions[0].Box)
	assert.Equal(t, layout.KindTitle, analysis.Regions[0].Kind)
	assert.Equal(t, "大公報", analysis.Regions[0].Text)
	assert.Equal(t, layout.KindText, analysis.Regions[2].Kind, "empty label defaults to text")
}

func TestAnalyzeLayoutStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"forbidden", http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := New(Config{URL: srv.URL})
			_, err := c.AnalyzeLayout(context.Background(), imaging.New(8, 8, color.White))
			require.Error(t, err)

			var apiErr *remote.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.transient, remote.IsTransient(err))
		})
	}
}

func TestAnalyzeLayoutMalformedResponse(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   "<html>oops</html>",
		"no results": `{"result": {"layoutParsingResults": []}}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := New(Config{URL: srv.URL})
			_, err := c.AnalyzeLayout(context.Background(), imaging.New(8, 8, color.White))
			require.ErrorIs(t, err, remote.ErrMalformedResponse)
			assert.False(t, remote.IsTransient(err), "malformed responses are permanent")
		})
	}
}

func TestAnalyzeLayoutUnconfigured(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Available())
	_, err := c.AnalyzeLayout(context.Background(), imaging.New(8, 8, color.White))
	assert.Error(t, err)
}
