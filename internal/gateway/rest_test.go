package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestREST(t *testing.T, handler http.HandlerFunc) *REST {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewREST("test-key", "test-model", "", zerolog.Nop())
	c.SetTestTransport(server.URL)
	return c
}

func TestREST_AskSuccess(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "When did WWII end?", req.Contents[0].Parts[0].Text)
		assert.Equal(t, float32(0.7), req.GenerationConfig.Temperature)
		assert.Equal(t, int32(1024), req.GenerationConfig.MaxOutputTokens)
		require.NotNil(t, req.SystemInstruction)

		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"World War II "},{"text":"ended in 1945."}]}}]}`))
	})

	res := c.Ask(context.Background(), "When did WWII end?")
	assert.Equal(t, Result{OK: true, Answer: "World War II ended in 1945."}, res)
}

func TestREST_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"code":429,"message":"Resource has been exhausted"}}`, "quota exceeded"},
		{"api error message", http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid"}}`, "API key not valid"},
		{"non-json error body", http.StatusBadGateway, `<html>bad gateway</html>`, "AI service error 502"},
		{"malformed success body", http.StatusOK, `{"candidates":[`, "malformed response from the AI service"},
		{"no candidates", http.StatusOK, `{"candidates":[]}`, MsgNoAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			res := c.Ask(context.Background(), "q")
			assert.False(t, res.OK)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.Empty(t, res.Answer)
		})
	}
}

func TestREST_EmptyTextIsAnEmptyAnswer(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"finishReason":"STOP"}]}`))
	})
	assert.Equal(t, Result{OK: true}, c.Ask(context.Background(), "q"))
}

func TestREST_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewREST("k", "m", url, zerolog.Nop())
	res := c.Ask(context.Background(), "q")
	assert.False(t, res.OK)
	assert.Equal(t, MsgUnreachable, res.Error)
}

func TestREST_Timeout(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := c.Ask(ctx, "q")
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestREST_FilesAreInlined(t *testing.T) {
	var got request
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	})

	res := c.AnalyzePDF(context.Background(), File{Name: "notes.pdf", Data: []byte("%PDF-1.4")}, "Summarize")
	require.True(t, res.OK)
	parts := got.Contents[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].InlineData)
	assert.Equal(t, "application/pdf", parts[0].InlineData.MIMEType)
	assert.Equal(t, []byte("%PDF-1.4"), parts[0].InlineData.Data)
	assert.Contains(t, parts[1].Text, "Summarize")

	res = c.AnalyzeImage(context.Background(), File{Name: "map.png", MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}})
	require.True(t, res.OK)
	assert.Equal(t, "image/png", got.Contents[0].Parts[0].InlineData.MIMEType)
}

func TestREST_EmptyFileIsRejectedLocally(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	res := c.AnalyzeImage(context.Background(), File{Name: "empty.png"})
	assert.Equal(t, Failed(MsgEmptyFile), res)
}
