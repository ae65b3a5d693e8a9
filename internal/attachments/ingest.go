package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"polychat/internal/metrics"
	"polychat/internal/providers"
)

const (
	DefaultMaxCount          = 4
	DefaultMaxBytes          = 5 << 20
	DefaultUploadConcurrency = 2
)

var (
	ErrTooManyAttachments                = errors.New("too many attachments")
	ErrInvalidAttachment                 = errors.New("invalid attachment")
	ErrUnsupportedAttachmentType         = errors.New("unsupported attachment type")
	ErrAttachmentTooLarge                = errors.New("attachment too large")
	ErrInvalidAttachmentReference        = errors.New("invalid attachment reference")
	ErrAttachmentsUnsupportedForProvider = errors.New("attachments are not supported for this provider")
)

var allowedMIMETypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

// uploadProvider is the only provider with a file API.
const uploadProvider = providers.Gemini

// Raw is an attachment as sent by the client: either inline data or a file
// reference from an earlier upload.
type Raw struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	MIMEType string  `json:"mimeType,omitempty"`
	Type     string  `json:"type,omitempty"`
	DataURL  string  `json:"dataUrl,omitempty"`
	FileURI  *string `json:"fileUri,omitempty"`
}

type Blob struct {
	Name     string
	MIMEType string
	Data     []byte
}

type UploadedFile struct {
	Name      string
	URI       string
	SizeBytes int64
}

type Uploader interface {
	Upload(ctx context.Context, apiKey string, blob Blob) (UploadedFile, error)
}

type Config struct {
	MaxCount          int
	MaxBytes          int
	UploadConcurrency int
	Uploader          Uploader
	Logger            zerolog.Logger
}

type Ingestor struct {
	cfg Config
	log zerolog.Logger
}

func NewIngestor(cfg Config) *Ingestor {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	return &Ingestor{cfg: cfg, log: cfg.Logger.With().Str("component", "attachments").Logger()}
}

func (i *Ingestor) MaxCount() int {
	return i.cfg.MaxCount
}

type validated struct {
	raw    Raw
	mime   string
	data   []byte
	inline bool
}

// Validate checks the whole batch without any network I/O.
func (i *Ingestor) Validate(raws []Raw, provider string) error {
	_, err := i.validate(raws, provider)
	return err
}

func (i *Ingestor) validate(raws []Raw, provider string) ([]validated, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	if len(raws) > i.cfg.MaxCount {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyAttachments, len(raws), i.cfg.MaxCount)
	}
	if provider != uploadProvider {
		return nil, ErrAttachmentsUnsupportedForProvider
	}

	out := make([]validated, 0, len(raws))
	for idx, r := range raws {
		if r.DataURL != "" {
			mime, data, err := ParseDataURL(r.DataURL)
			if err != nil {
				return nil, fmt.Errorf("attachment %d: %w", idx, err)
			}
			if _, ok := allowedMIMETypes[mime]; !ok {
				return nil, fmt.Errorf("attachment %d: %w: %s", idx, ErrUnsupportedAttachmentType, mime)
			}
			if len(data) > i.cfg.MaxBytes {
				return nil, fmt.Errorf("attachment %d: %w: %d bytes", idx, ErrAttachmentTooLarge, len(data))
			}
			out = append(out, validated{raw: r, mime: mime, data: data, inline: true})
			continue
		}
		if r.FileURI == nil || strings.TrimSpace(*r.FileURI) == "" {
			return nil, fmt.Errorf("attachment %d: %w", idx, ErrInvalidAttachmentReference)
		}
		out = append(out, validated{raw: r, mime: r.MIMEType})
	}
	return out, nil
}

// Ingest validates raws and uploads inline payloads. Items whose upload fails
// are dropped from the result; validation failures reject the whole batch.
func (i *Ingestor) Ingest(ctx context.Context, raws []Raw, provider, apiKey string) ([]providers.Attachment, error) {
	items, err := i.validate(raws, provider)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	results := make([]*providers.Attachment, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.UploadConcurrency)
	for idx, item := range items {
		g.Go(func() error {
			a, ok := i.resolve(gctx, item, apiKey)
			if ok {
				results[idx] = &a
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]providers.Attachment, 0, len(results))
	for _, a := range results {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (i *Ingestor) resolve(ctx context.Context, item validated, apiKey string) (providers.Attachment, bool) {
	a := providers.Attachment{
		ID:       item.raw.ID,
		Name:     item.raw.Name,
		MIMEType: item.mime,
		Type:     item.raw.Type,
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Type == "" {
		a.Type = Classify(a.MIMEType)
	}

	if !item.inline {
		a.FileURI = strings.TrimSpace(*item.raw.FileURI)
		return a, true
	}

	if i.cfg.Uploader == nil {
		i.drop(a, errors.New("no uploader configured"))
		return a, false
	}
	f, err := i.cfg.Uploader.Upload(ctx, apiKey, Blob{Name: a.Name, MIMEType: a.MIMEType, Data: item.data})
	if err != nil {
		i.drop(a, err)
		return a, false
	}
	if f.URI == "" {
		i.drop(a, errors.New("upload returned no file uri"))
		return a, false
	}
	a.FileURI = f.URI
	a.SizeBytes = f.SizeBytes
	if a.SizeBytes == 0 {
		a.SizeBytes = int64(len(item.data))
	}
	return a, true
}

func (i *Ingestor) drop(a providers.Attachment, err error) {
	metrics.Global().AttachmentsDropped.Inc()
	i.log.Warn().Err(err).Str("attachment_id", a.ID).Str("mime_type", a.MIMEType).Msg("attachment upload failed, dropping")
}

// ParseDataURL decodes data:<mime>;base64,<payload>.
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidAttachment)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrInvalidAttachment)
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok || mime == "" {
		return "", nil, fmt.Errorf("%w: expected base64 media type", ErrInvalidAttachment)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
	}
	return strings.ToLower(mime), data, nil
}

func Classify(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case mime == "application/pdf", strings.HasPrefix(mime, "text/"):
		return "document"
	default:
		return "file"
	}
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
