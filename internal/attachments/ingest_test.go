package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polychat/internal/providers"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	keys  []string
	fail  map[string]bool
}

func (f *fakeUploader) Upload(_ context.Context, apiKey string, blob Blob) (UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, apiKey)
	if f.fail[blob.Name] {
		return UploadedFile{}, errors.New("upload failed")
	}
	return UploadedFile{Name: "files/" + blob.Name, URI: "https://files.test/" + blob.Name, SizeBytes: int64(len(blob.Data))}, nil
}

func dataURL(mime string, n int) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{'x'}, n))
}

func strPtr(s string) *string { return &s }

func newTestIngestor(up Uploader) *Ingestor {
	return NewIngestor(Config{MaxCount: 4, MaxBytes: 16, Uploader: up, Logger: zerolog.Nop()})
}

func TestParseDataURL(t *testing.T) {
	mime, data, err := ParseDataURL("data:image/PNG;base64," + base64.StdEncoding.EncodeToString([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte("abc"), data)

	for _, bad := range []string{
		"image/png;base64,AAAA",
		"data:image/png;base64",
		"data:image/png,AAAA",
		"data:;base64,AAAA",
		"data:image/png;base64,***",
	} {
		_, _, err := ParseDataURL(bad)
		assert.ErrorIs(t, err, ErrInvalidAttachment, bad)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "image", Classify("image/webp"))
	assert.Equal(t, "document", Classify("application/pdf"))
	assert.Equal(t, "document", Classify("text/plain"))
	assert.Equal(t, "file", Classify("application/zip"))
	assert.Equal(t, "file", Classify(""))
}

func TestValidateRejectsUnsupportedType(t *testing.T) {
	ing := newTestIngestor(&fakeUploader{})
	err := ing.Validate([]Raw{{ID: "a", DataURL: dataURL("application/zip", 4)}}, providers.Gemini)
	assert.ErrorIs(t, err, ErrUnsupportedAttachmentType)
}

func TestValidateSizeBoundary(t *testing.T) {
	ing := newTestIngestor(&fakeUploader{})
	require.NoError(t, ing.Validate([]Raw{{ID: "a", DataURL: dataURL("image/png", 16)}}, providers.Gemini))
	err := ing.Validate([]Raw{{ID: "a", DataURL: dataURL("image/png", 17)}}, providers.Gemini)
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
}

func TestValidateCountAndProvider(t *testing.T) {
	ing := newTestIngestor(&fakeUploader{})
	five := make([]Raw, 5)
	for i := range five {
		five[i] = Raw{DataURL: dataURL("image/png", 1)}
	}
	assert.ErrorIs(t, ing.Validate(five, providers.Gemini), ErrTooManyAttachments)
	assert.ErrorIs(t, ing.Validate(five[:1], providers.Mistral), ErrAttachmentsUnsupportedForProvider)
	assert.NoError(t, ing.Validate(nil, providers.Mistral))
}

func TestValidateRequiresReference(t *testing.T) {
	ing := newTestIngestor(&fakeUploader{})
	assert.ErrorIs(t, ing.Validate([]Raw{{ID: "a"}}, providers.Gemini), ErrInvalidAttachmentReference)
	assert.ErrorIs(t, ing.Validate([]Raw{{ID: "a", FileURI: strPtr("  ")}}, providers.Gemini), ErrInvalidAttachmentReference)
}

func TestIngestUploadsAndPassesThrough(t *testing.T) {
	up := &fakeUploader{}
	ing := newTestIngestor(up)

	out, err := ing.Ingest(context.Background(), []Raw{
		{ID: "a1", Name: "cat.png", DataURL: dataURL("image/png", 10)},
		{ID: "a2", Name: "old.jpg", MIMEType: "image/jpeg", FileURI: strPtr("https://files.test/old")},
	}, providers.Gemini, "gm-key")
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "a1", out[0].ID)
	assert.Equal(t, "https://files.test/cat.png", out[0].FileURI)
	assert.Equal(t, "image", out[0].Type)
	assert.EqualValues(t, 10, out[0].SizeBytes)

	assert.Equal(t, "a2", out[1].ID)
	assert.Equal(t, "https://files.test/old", out[1].FileURI)
	assert.Equal(t, "image", out[1].Type)

	assert.Equal(t, 1, up.calls)
	assert.Equal(t, []string{"gm-key"}, up.keys)
}

func TestIngestDropsFailedUploadsAndKeepsOrder(t *testing.T) {
	up := &fakeUploader{fail: map[string]bool{"b": true}}
	ing := newTestIngestor(up)

	out, err := ing.Ingest(context.Background(), []Raw{
		{ID: "1", Name: "a", DataURL: dataURL("image/png", 1)},
		{ID: "2", Name: "b", DataURL: dataURL("image/png", 1)},
		{ID: "3", Name: "c", DataURL: dataURL("image/gif", 1)},
	}, providers.Gemini, "k")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "3", out[1].ID)
}

func TestIngestValidationFailsBeforeUpload(t *testing.T) {
	up := &fakeUploader{}
	ing := newTestIngestor(up)

	_, err := ing.Ingest(context.Background(), []Raw{
		{ID: "1", DataURL: dataURL("image/png", 1)},
		{ID: "2", DataURL: dataURL("image/png", 100)},
	}, providers.Gemini, "k")
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
	assert.Equal(t, 0, up.calls)
}

func TestIngestAssignsMissingID(t *testing.T) {
	ing := newTestIngestor(&fakeUploader{})
	out, err := ing.Ingest(context.Background(), []Raw{{DataURL: dataURL("image/png", 1)}}, providers.Gemini, "k")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].ID)
}
