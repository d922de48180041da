package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"questro/internal/models"
)

const (
	// MaxPDFTextRunes bounds the document text sent with an MCQ prompt.
	MaxPDFTextRunes = 4000
	MCQCount        = 5
	DefaultLanguage = "English"
)

// GenerateMCQ asks for multiple-choice questions about the given text.
func (g *Gateway) GenerateMCQ(ctx context.Context, req Request, pdfText string) ([]models.MCQItem, error) {
	pdfText = strings.TrimSpace(pdfText)
	if pdfText == "" {
		return nil, errors.New("pdf text cannot be empty")
	}
	if r := []rune(pdfText); len(r) > MaxPDFTextRunes {
		pdfText = string(r[:MaxPDFTextRunes])
	}
	prompt := fmt.Sprintf(`Generate %d multiple choice questions from this text. Return ONLY a JSON array with this format:
[{
  "question": "Question text",
  "options": ["Option A", "Option B", "Option C", "Option D"],
  "correct_answer": 0,
  "explanation": "Brief explanation"
}]

Text: %s`, MCQCount, pdfText)

	raw, err := g.generate(ctx, req, "generate mcq", []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return nil, err
	}
	return ParseMCQ(raw), nil
}

// Image is an uploaded picture in base64 form.
type Image struct {
	Data     string
	MIMEType string
}

// ParseImage accepts a data URL or bare base64. Bare input is assumed to be
// JPEG unless mimeType says otherwise.
func ParseImage(raw, mimeType string) (Image, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Image{}, errors.New("image data cannot be empty")
	}
	if strings.HasPrefix(raw, "data:") {
		header, data, ok := strings.Cut(raw, ",")
		if !ok {
			return Image{}, errors.New("malformed data url")
		}
		header = strings.TrimPrefix(header, "data:")
		mediaType, _, _ := strings.Cut(header, ";")
		if !strings.HasSuffix(header, ";base64") {
			return Image{}, errors.New("data url must be base64 encoded")
		}
		if mediaType != "" {
			mimeType = mediaType
		}
		raw = data
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return Image{}, fmt.Errorf("unsupported image type %s", mimeType)
	}
	if _, err := base64.StdEncoding.DecodeString(raw); err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}
	return Image{Data: raw, MIMEType: mimeType}, nil
}

// DataURL renders the image for providers taking URLs.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Data
}

// SolveImage asks the provider to solve every question visible in img.
func (g *Gateway) SolveImage(ctx context.Context, req Request, img Image, language string) ([]models.SolutionItem, error) {
	if img.Data == "" {
		return nil, errors.New("image data cannot be empty")
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = DefaultLanguage
	}
	prompt := fmt.Sprintf(`Analyze this image and solve all mathematical questions, physics problems, chemistry equations, or any academic questions you can identify.
Provide step-by-step solutions in %s. Format your response as JSON:
[{
  "question": "The question or problem identified",
  "steps": ["Step 1", "Step 2", "Step 3"],
  "final_answer": "The final answer",
  "explanation": "Brief explanation of the solution method"
}]
If you cannot identify any solvable questions, return an empty array.`, language)

	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: prompt},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      img.DataURL(),
					MIMEType: img.MIMEType,
				},
			},
		},
	}
	raw, err := g.generate(ctx, req, "solve image", []*schema.Message{msg})
	if err != nil {
		return nil, err
	}
	return ParseSolutions(raw), nil
}
