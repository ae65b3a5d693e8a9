package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"polychat/internal/attachments"
	"polychat/internal/metrics"
	"polychat/internal/providers"
	"polychat/internal/providers/registry"
	"polychat/internal/storage"
)

const (
	DefaultMaxMessageChars = 32000
	TitleMaxRunes          = 60
	DefaultTitle           = "New chat"
)

type CredentialResolver interface {
	Resolve(ctx context.Context, userID, provider string) (string, error)
}

type ProviderRouter interface {
	Send(ctx context.Context, d registry.Dispatch) (string, error)
}

// StreamSink receives the incremental transport. Open is called once, right
// before the provider call; after that failures must be reported in-band.
type StreamSink interface {
	Open() error
	Delta(content string) error
}

type SendRequest struct {
	UserID      string
	SessionID   string
	ThreadID    string
	Message     string
	Provider    string
	Model       string
	ProjectID   *int64
	Attachments []attachments.Raw
}

type Result struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"threadId"`
}

type Config struct {
	Store           *storage.Store
	Credentials     CredentialResolver
	Ingestor        *attachments.Ingestor
	Router          ProviderRouter
	Logger          zerolog.Logger
	MaxMessageChars int
	HistoryLimit    int
	DefaultProvider string
	NewThreadID     func() string
}

type Service struct {
	cfg       Config
	assembler *Assembler
	log       zerolog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = DefaultMaxMessageChars
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = providers.OpenAI
	}
	if cfg.NewThreadID == nil {
		cfg.NewThreadID = newThreadID
	}
	if cfg.Ingestor == nil {
		cfg.Ingestor = attachments.NewIngestor(attachments.Config{Logger: cfg.Logger})
	}
	return &Service{
		cfg:       cfg,
		assembler: NewAssembler(cfg.Store, cfg.HistoryLimit),
		log:       cfg.Logger.With().Str("component", "chat").Logger(),
	}
}

// Send runs one chat request end to end. sink is nil for buffered replies.
// Every failure is returned as *Error.
func (s *Service) Send(ctx context.Context, req SendRequest, sink StreamSink) (Result, error) {
	if req.Provider == "" {
		req.Provider = s.cfg.DefaultProvider
	}
	threadID := resolveThreadID(req, s.cfg.NewThreadID)
	log := s.log.With().Str("user_id", req.UserID).Str("provider", req.Provider).Str("thread_id", threadID).Logger()

	res, err := s.send(ctx, req, threadID, sink, log)
	outcome := "ok"
	if err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			ce = internalError(err)
			err = ce
		}
		outcome = "error"
		if ce.Status < 500 {
			outcome = "rejected"
		}
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		ev := log.Warn()
		if ce.Status >= 500 {
			ev = log.Error()
		}
		ev.Err(ce.Err).Int("status", ce.Status).Msg("chat request failed")
	}
	metrics.Global().ChatRequests.WithLabelValues(metricProvider(req.Provider), outcome).Inc()
	return res, err
}

func (s *Service) send(ctx context.Context, req SendRequest, threadID string, sink StreamSink, log zerolog.Logger) (Result, error) {
	if err := s.validate(req); err != nil {
		return Result{}, requestError(err)
	}
	if req.Model == "" {
		req.Model = registry.DefaultModel(req.Provider)
	}

	apiKey, err := s.cfg.Credentials.Resolve(ctx, req.UserID, req.Provider)
	if err != nil {
		return Result{}, requestError(err)
	}

	var ingested []providers.Attachment
	if len(req.Attachments) > 0 {
		ingested, err = s.cfg.Ingestor.Ingest(ctx, req.Attachments, req.Provider, apiKey)
		if err != nil {
			return Result{}, requestError(err)
		}
	}

	projectID, err := s.persistUserTurn(ctx, req, threadID, ingested)
	if err != nil {
		return Result{}, requestError(err)
	}

	assembled, err := s.assembler.Assemble(ctx, req.UserID, threadID, projectID)
	if err != nil {
		return Result{}, internalError(fmt.Errorf("assemble context: %w", err))
	}

	dispatch := registry.Dispatch{
		Provider: req.Provider,
		APIKey:   apiKey,
		Request: providers.ChatRequest{
			Model:        req.Model,
			SystemPrompt: assembled.SystemPrompt,
			Messages:     assembled.History,
		},
	}
	mode := "buffered"
	if sink != nil {
		if err := sink.Open(); err != nil {
			return Result{}, internalError(fmt.Errorf("open stream: %w", err))
		}
		dispatch.Stream = true
		dispatch.OnDelta = sink.Delta
		mode = "stream"
	}

	started := time.Now()
	reply, err := s.cfg.Router.Send(ctx, dispatch)
	metrics.Global().ProviderLatency.WithLabelValues(metricProvider(req.Provider), mode).Observe(time.Since(started).Seconds())
	if err != nil {
		return Result{}, providerError(err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, providerError(err)
	}

	if err := s.persistAssistantTurn(ctx, threadID, reply, req.Provider, dispatch.Request.Model); err != nil {
		return Result{}, internalError(fmt.Errorf("persist assistant turn: %w", err))
	}

	log.Debug().Int("reply_chars", utf8.RuneCountInString(reply)).Dur("provider_latency", time.Since(started)).Msg("chat request completed")
	return Result{Reply: reply, ThreadID: threadID}, nil
}

func (s *Service) validate(req SendRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ErrUnauthenticated
	}
	if !providers.Supported(req.Provider) {
		return fmt.Errorf("%w %q", providers.ErrUnsupportedProvider, req.Provider)
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return ErrMissingContent
	}
	if n := utf8.RuneCountInString(req.Message); n > s.cfg.MaxMessageChars {
		return fmt.Errorf("%w: %d > %d characters", ErrMessageTooLong, n, s.cfg.MaxMessageChars)
	}
	return s.cfg.Ingestor.Validate(req.Attachments, req.Provider)
}

// persistUserTurn creates the thread on first use and writes the user
// message. It returns the project linked to the thread.
func (s *Service) persistUserTurn(ctx context.Context, req SendRequest, threadID string, ingested []providers.Attachment) (*int64, error) {
	attachmentsJSON, err := encodeAttachments(ingested)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	return storage.InTx(ctx, s.cfg.Store, func(q *storage.Queries) (*int64, error) {
		var projectID *int64
		th, err := q.GetThread(ctx, req.UserID, threadID)
		switch {
		case err == nil:
			projectID = th.ProjectID
		case errors.Is(err, storage.ErrNotFound):
			taken, err := q.ThreadExists(ctx, threadID)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, ErrThreadNotFound
			}
			if req.ProjectID != nil {
				if _, err := q.GetProject(ctx, req.UserID, *req.ProjectID); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return nil, ErrProjectNotFound
					}
					return nil, err
				}
				projectID = req.ProjectID
			}
			if err := q.CreateThread(ctx, storage.Thread{
				ID:        threadID,
				UserID:    req.UserID,
				ProjectID: projectID,
				Title:     threadTitle(req.Message, req.Attachments),
			}); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		if _, err := q.InsertMessage(ctx, storage.Message{
			ThreadID:        threadID,
			Role:            storage.RoleUser,
			Content:         req.Message,
			AttachmentsJSON: attachmentsJSON,
			Provider:        req.Provider,
			Model:           req.Model,
		}); err != nil {
			return nil, err
		}
		if err := q.TouchThread(ctx, threadID); err != nil {
			return nil, err
		}
		return projectID, nil
	})
}

func (s *Service) persistAssistantTurn(ctx context.Context, threadID, reply, provider, model string) error {
	return s.cfg.Store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := q.InsertMessage(ctx, storage.Message{
			ThreadID: threadID,
			Role:     storage.RoleAssistant,
			Content:  reply,
			Provider: provider,
			Model:    model,
		}); err != nil {
			return err
		}
		return q.TouchThread(ctx, threadID)
	})
}

func resolveThreadID(req SendRequest, gen func() string) string {
	if id := strings.TrimSpace(req.ThreadID); id != "" {
		return id
	}
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id
	}
	return gen()
}

func threadTitle(message string, raws []attachments.Raw) string {
	title := strings.TrimSpace(message)
	if title == "" && len(raws) > 0 {
		title = strings.TrimSpace(raws[0].Name)
	}
	if title == "" {
		return DefaultTitle
	}
	title = strings.Join(strings.Fields(title), " ")
	if utf8.RuneCountInString(title) > TitleMaxRunes {
		title = string([]rune(title)[:TitleMaxRunes])
	}
	return title
}

func metricProvider(id string) string {
	if providers.Supported(id) {
		return id
	}
	return "unknown"
}

func newThreadID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
