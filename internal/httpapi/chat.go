package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/hlog"

	"polychat/internal/attachments"
	"polychat/internal/chat"
)

type chatMessageRequest struct {
	SessionID   string            `json:"sessionId"`
	ThreadID    string            `json:"threadId"`
	Message     string            `json:"message"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	ProjectID   *int64            `json:"projectId"`
	Attachments []attachments.Raw `json:"attachments"`
}

func (s *Server) chatMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := hlog.FromRequest(r)
	userID := UserID(ctx)

	if s.cfg.RateLimiter != nil {
		allowed, _, resetAt, err := s.cfg.RateLimiter.Allow(ctx, userID, s.cfg.Now())
		if err != nil {
			log.Error().Err(err).Msg("rate limiter failed")
		} else if !allowed {
			retry := int(resetAt.Sub(s.cfg.Now()).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if s.cfg.Idempotency == nil {
		idemKey = ""
	}
	status := http.StatusOK
	if idemKey != "" {
		first, err := s.cfg.Idempotency.MarkFirst(ctx, userID, idemKey)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("idempotency guard failed")
			idemKey = ""
		case !first:
			writeError(w, http.StatusConflict, "Duplicate request")
			return
		default:
			defer func() {
				if status >= 400 && status < 500 {
					if err := s.cfg.Idempotency.Release(ctx, userID, idemKey); err != nil {
						log.Warn().Err(err).Msg("release idempotency key")
					}
				}
			}()
		}
	}

	var body chatMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			writeError(w, status, "Request body is too large")
			return
		}
		status = http.StatusBadRequest
		writeError(w, status, "Invalid request body")
		return
	}

	req := chat.SendRequest{
		UserID:      userID,
		SessionID:   body.SessionID,
		ThreadID:    body.ThreadID,
		Message:     body.Message,
		Provider:    strings.ToLower(strings.TrimSpace(body.Provider)),
		Model:       strings.TrimSpace(body.Model),
		ProjectID:   body.ProjectID,
		Attachments: body.Attachments,
	}

	var sink *sseSink
	if wantsStream(r) {
		if flusher, ok := w.(http.Flusher); ok {
			sink = &sseSink{w: w, flusher: flusher}
		}
	}

	var res chat.Result
	var err error
	if sink != nil {
		res, err = s.cfg.Chat.Send(ctx, req, sink)
	} else {
		res, err = s.cfg.Chat.Send(ctx, req, nil)
	}

	if err != nil {
		var ce *chat.Error
		if !errors.As(err, &ce) {
			ce = &chat.Error{Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
		}
		status = ce.Status
		if sink != nil && sink.opened {
			if err := sink.send(map[string]string{"type": "error", "error": ce.Message}); err != nil {
				log.Debug().Err(err).Msg("write stream error event")
			}
			return
		}
		writeError(w, ce.Status, ce.Message)
		return
	}

	if sink != nil && sink.opened {
		if err := sink.send(map[string]string{"type": "done", "reply": res.Reply, "threadId": res.ThreadID}); err != nil {
			log.Debug().Err(err).Msg("write stream done event")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func wantsStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/event-stream") {
			return true
		}
	}
	return false
}

// sseSink writes chat events as "data: <json>" server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	opened  bool
}

func (s *sseSink) Open() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.opened = true
	return nil
}

func (s *sseSink) Delta(content string) error {
	return s.send(map[string]string{"type": "delta", "content": content})
}

func (s *sseSink) send(ev map[string]string) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
