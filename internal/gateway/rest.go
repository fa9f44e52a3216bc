package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// REST calls the generateContent endpoint directly over HTTP.
type REST struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewREST(apiKey, model, baseURL string, logger zerolog.Logger) *REST {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}
	return &REST{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger.With().Str("component", "gemini_rest").Str("model", model).Logger(),
	}
}

// SetTestTransport points the client at a test server.
func (c *REST) SetTestTransport(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"` // base64 on the wire
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int32   `json:"maxOutputTokens"`
}

type request struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type response struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *REST) Ask(ctx context.Context, question string) Result {
	return c.generate(ctx, OpAsk, part{Text: question})
}

func (c *REST) AnalyzeImage(ctx context.Context, image File) Result {
	if len(image.Data) == 0 {
		return Failed(MsgEmptyFile)
	}
	return c.generate(ctx, OpImage,
		part{InlineData: &inlineData{MIMEType: imageMIMEType(image), Data: image.Data}},
		part{Text: imageInstruction},
	)
}

func (c *REST) AnalyzePDF(ctx context.Context, doc File, question string) Result {
	if len(doc.Data) == 0 {
		return Failed(MsgEmptyFile)
	}
	return c.generate(ctx, OpPDF,
		part{InlineData: &inlineData{MIMEType: "application/pdf", Data: doc.Data}},
		part{Text: pdfPrompt(question)},
	)
}

func (c *REST) generate(ctx context.Context, op string, parts ...part) Result {
	reqBody := request{
		SystemInstruction: &content{Parts: []part{{Text: tutorInstruction}}},
		Contents:          []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", op).Msg("marshal request")
		return Failed(MsgUnreachable)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error().Err(err).Str("operation", op).Msg("create request")
		return Failed(MsgUnreachable)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", op).Msg("api call failed")
		return Failed(describeError(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", op).Msg("read response")
		return Failed(MsgUnreachable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("operation", op).Msg("api returned an error status")
		return Failed(statusMessage(resp.StatusCode, respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		c.logger.Warn().Err(err).Str("operation", op).Msg("malformed api response")
		return Failed("malformed response from the AI service")
	}

	if len(apiResp.Candidates) == 0 {
		return Failed(MsgNoAnswer)
	}
	var text strings.Builder
	if cand := apiResp.Candidates[0].Content; cand != nil {
		for _, p := range cand.Parts {
			text.WriteString(p.Text)
		}
	}
	return Answered(text.String())
}

// statusMessage is the best-effort text for a non-2xx reply.
func statusMessage(status int, body []byte) string {
	if status == http.StatusTooManyRequests {
		return "quota exceeded"
	}
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return fmt.Sprintf("AI service error %d", status)
}
