package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

type stubClient struct {
	calls []string
}

func (s *stubClient) Ask(_ context.Context, q string) Result {
	s.calls = append(s.calls, OpAsk)
	return Answered("answer to " + q)
}

func (s *stubClient) AnalyzeImage(_ context.Context, f File) Result {
	s.calls = append(s.calls, OpImage)
	return Answered("image " + f.Name)
}

func (s *stubClient) AnalyzePDF(_ context.Context, f File, q string) Result {
	s.calls = append(s.calls, OpPDF)
	return Failed("quota exceeded")
}

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want Result
	}{
		{"nil response", nil, Result{Error: MsgNoAnswer}},
		{"no candidates", &genai.GenerateContentResponse{}, Result{Error: MsgNoAnswer}},
		{"candidate without content", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}, Result{OK: true}},
		{
			"text parts are joined",
			&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text("World War II "), genai.Text("ended in 1945.")}},
			}}},
			Result{OK: true, Answer: "World War II ended in 1945."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fromResponse(tt.resp))
		})
	}
}

func TestDescribeError(t *testing.T) {
	assert.Equal(t, "quota exceeded", describeError(&googleapi.Error{Code: 429}))
	assert.Equal(t, "bad key", describeError(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 400, Message: "bad key"})))
	assert.Equal(t, "AI service error 500", describeError(&googleapi.Error{Code: 500}))
	assert.Equal(t, "the AI took too long to respond", describeError(context.DeadlineExceeded))
	assert.Equal(t, MsgUnreachable, describeError(errors.New("dial tcp: refused")))
}

func TestFailed_DefaultsMessage(t *testing.T) {
	assert.Equal(t, Result{Error: MsgUnreachable}, Failed(" "))
	assert.Equal(t, Result{Error: "quota exceeded"}, Failed("quota exceeded"))
}

func TestComingSoon(t *testing.T) {
	inner := &stubClient{}
	c := ComingSoon{Client: inner}
	ctx := context.Background()

	assert.Equal(t, Answered(ComingSoonImage), c.AnalyzeImage(ctx, File{Name: "a.png"}))
	assert.Equal(t, Answered(ComingSoonPDF), c.AnalyzePDF(ctx, File{Name: "a.pdf"}, "q"))
	assert.Equal(t, Answered("answer to q"), c.Ask(ctx, "q"))
	assert.Equal(t, []string{OpAsk}, inner.calls)

	c.ImageEnabled, c.PDFEnabled = true, true
	assert.Equal(t, Answered("image a.png"), c.AnalyzeImage(ctx, File{Name: "a.png"}))
	assert.Equal(t, Failed("quota exceeded"), c.AnalyzePDF(ctx, File{Name: "a.pdf"}, "q"))
}

func TestMetered_PassesResultsThrough(t *testing.T) {
	m := Metered{Client: &stubClient{}}
	ctx := context.Background()
	assert.Equal(t, Answered("answer to q"), m.Ask(ctx, "q"))
	assert.Equal(t, Failed("quota exceeded"), m.AnalyzePDF(ctx, File{}, "q"))
}
