package gateway

import "fmt"

const (
	DefaultModel    = "gemini-2.5-flash"
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

	temperature     = float32(0.7)
	maxOutputTokens = int32(1024)

	tutorInstruction = "You are a history teaching assistant for lower and upper secondary school students. " +
		"Explain clearly in a neutral, non-political tone. " +
		"Make dates explicit (day, month, year). " +
		"If a question is vague, give the main historical context and avoid speculation beyond the school curriculum."

	imageInstruction = "Describe what this image shows and explain its historical context for a secondary school student."
)

func pdfPrompt(question string) string {
	return fmt.Sprintf("Answer using the attached document.\nStudent question: %s", question)
}
