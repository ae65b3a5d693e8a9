package gemini

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"polychat/internal/attachments"
)

const fileBaseURL = "https://generativelanguage.googleapis.com/v1beta/"

type Uploader struct {
	ClientOptions []option.ClientOption
}

var _ attachments.Uploader = (*Uploader)(nil)

func (u *Uploader) Upload(ctx context.Context, apiKey string, blob attachments.Blob) (attachments.UploadedFile, error) {
	cl, err := newGenaiClient(ctx, apiKey, u.ClientOptions)
	if err != nil {
		return attachments.UploadedFile{}, err
	}
	defer cl.Close()

	f, err := cl.UploadFile(ctx, "", bytes.NewReader(blob.Data), &genai.UploadFileOptions{
		MIMEType:    blob.MIMEType,
		DisplayName: blob.Name,
	})
	if err != nil {
		return attachments.UploadedFile{}, fmt.Errorf("upload file: %w", err)
	}
	return attachments.UploadedFile{
		Name:      f.Name,
		URI:       fileURI(f.URI, f.Name),
		SizeBytes: f.SizeBytes,
	}, nil
}

// fileURI prefers the URI returned by the API and falls back to one derived
// from the resource name ("files/abc").
func fileURI(uri, name string) string {
	if uri = strings.TrimSpace(uri); uri != "" {
		return uri
	}
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return ""
	}
	return fileBaseURL + name
}
