package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"polychat/internal/providers"
	"polychat/internal/storage"
)

const DefaultHistoryLimit = 50

type Assembled struct {
	SystemPrompt string
	History      []providers.Message
}

type Assembler struct {
	store *storage.Store
	limit int
}

func NewAssembler(store *storage.Store, historyLimit int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Assembler{store: store, limit: historyLimit}
}

// Assemble builds the system prompt from the project and returns the last
// messages of the thread in chronological order.
func (a *Assembler) Assemble(ctx context.Context, userID, threadID string, projectID *int64) (Assembled, error) {
	var out Assembled

	if projectID != nil {
		p, err := a.store.GetProject(ctx, userID, *projectID)
		switch {
		case err == nil:
			out.SystemPrompt = SystemPrompt(p.Instructions, p.ContextData)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return Assembled{}, err
		}
	}

	rows, err := a.store.RecentMessages(ctx, threadID, a.limit)
	if err != nil {
		return Assembled{}, err
	}
	out.History = make([]providers.Message, len(rows))
	for i, m := range rows {
		out.History[len(rows)-1-i] = providers.Message{
			Role:        m.Role,
			Content:     m.Content,
			Attachments: parseAttachments(m.AttachmentsJSON),
		}
	}
	return out, nil
}

func SystemPrompt(instructions, contextData string) string {
	var sections []string
	if s := strings.TrimSpace(instructions); s != "" {
		sections = append(sections, "Project instructions:\n"+s)
	}
	if s := strings.TrimSpace(contextData); s != "" {
		sections = append(sections, "Project context:\n"+s)
	}
	return strings.Join(sections, "\n\n")
}

// parseAttachments treats malformed stored JSON as no attachments.
func parseAttachments(raw *string) []providers.Attachment {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	var out []providers.Attachment
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeAttachments(list []providers.Attachment) (*string, error) {
	kept := make([]providers.Attachment, 0, len(list))
	for _, a := range list {
		if a.FileURI != "" {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
