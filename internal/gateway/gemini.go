package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini calls the model through the Go SDK.
type Gemini struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Gemini{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "gemini").Str("model", model).Logger(),
	}, nil
}

func (g *Gemini) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		g.logger.Warn().Err(err).Msg("error closing genai client")
	}
}

func (g *Gemini) generativeModel() *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(tutorInstruction)},
	}

	temp := temperature
	maxTokens := maxOutputTokens
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}
	return model
}

func (g *Gemini) Ask(ctx context.Context, question string) Result {
	return g.generate(ctx, OpAsk, genai.Text(question))
}

func (g *Gemini) AnalyzeImage(ctx context.Context, image File) Result {
	if len(image.Data) == 0 {
		return Failed(MsgEmptyFile)
	}
	format := strings.TrimPrefix(imageMIMEType(image), "image/")
	return g.generate(ctx, OpImage, genai.ImageData(format, image.Data), genai.Text(imageInstruction))
}

func (g *Gemini) AnalyzePDF(ctx context.Context, doc File, question string) Result {
	if len(doc.Data) == 0 {
		return Failed(MsgEmptyFile)
	}
	return g.generate(ctx, OpPDF,
		genai.Blob{MIMEType: "application/pdf", Data: doc.Data},
		genai.Text(pdfPrompt(question)),
	)
}

func (g *Gemini) generate(ctx context.Context, op string, parts ...genai.Part) Result {
	resp, err := g.generativeModel().GenerateContent(ctx, parts...)
	if err != nil {
		g.logger.Error().Err(err).Str("operation", op).Msg("generateContent failed")
		return Failed(describeError(err))
	}
	return fromResponse(resp)
}

// fromResponse extracts the text of the first candidate.
func fromResponse(resp *genai.GenerateContentResponse) Result {
	if resp == nil || len(resp.Candidates) == 0 {
		return Failed(MsgNoAnswer)
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return Answered("")
	}
	var text strings.Builder
	for _, part := range content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return Answered(text.String())
}

func describeError(err error) string {
	var apiErr *googleapi.Error
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code == http.StatusTooManyRequests {
			return "quota exceeded"
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("AI service error %d", apiErr.Code)
	case errors.Is(err, context.DeadlineExceeded):
		return "the AI took too long to respond"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}
	return MsgUnreachable
}

func imageMIMEType(f File) string {
	if f.MIMEType != "" {
		return f.MIMEType
	}
	return http.DetectContentType(f.Data)
}
