package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Assistant represents a row in the assistants table. KBIDs is the set of
// bound knowledge bases; all bound KBs must share one embedding
// configuration, and EmbeddingModel is derived from it.
type Assistant struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	KBIDs          []int64 `json:"kb_ids"`
	EmbeddingModel string  `json:"embedding_model,omitempty"`
	LLMModel       string  `json:"llm_model"`
	LLMProvider    string  `json:"llm_provider"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// Conversation represents a row in the conversations table.
type Conversation struct {
	ID           int64  `json:"id"`
	AssistantID  int64  `json:"assistant_id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Message represents a row in the messages table. Sources holds the
// retrieval evidence of an assistant turn as JSON; empty otherwise.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Sources        string `json:"sources,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// --- Assistant operations ---

const assistantColumns = `id, name, COALESCE(description, ''), COALESCE(kb_ids, ''),
	COALESCE(embedding_model, ''), llm_model, llm_provider, COALESCE(system_prompt, ''),
	status, created_at, updated_at`

// CreateAssistant inserts an assistant after validating that every bound
// knowledge base exists and that they all share one embedding configuration.
// The assistant's embedding model is derived from the bound KBs.
func (c *Catalog) CreateAssistant(ctx context.Context, a Assistant) (*Assistant, error) {
	model, err := c.sharedEmbeddingModel(ctx, a.KBIDs)
	if err != nil {
		return nil, err
	}
	a.EmbeddingModel = model
	if a.LLMProvider == "" {
		a.LLMProvider = "local"
	}
	if a.Status == "" {
		a.Status = "active"
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO assistants (name, description, kb_ids, embedding_model, llm_model, llm_provider, system_prompt, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Name, a.Description, joinIDs(a.KBIDs), a.EmbeddingModel,
		a.LLMModel, a.LLMProvider, a.SystemPrompt, a.Status)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return c.GetAssistant(ctx, id)
}

// GetAssistant retrieves an assistant by ID.
func (c *Catalog) GetAssistant(ctx context.Context, id int64) (*Assistant, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+assistantColumns+" FROM assistants WHERE id = ?", id)
	a := &Assistant{}
	var kbIDs string
	err := row.Scan(&a.ID, &a.Name, &a.Description, &kbIDs, &a.EmbeddingModel,
		&a.LLMModel, &a.LLMProvider, &a.SystemPrompt, &a.Status,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssistantNotFound
	}
	if err != nil {
		return nil, err
	}
	a.KBIDs = splitIDs(kbIDs)
	return a, nil
}

// ListAssistants returns all assistants, newest first.
func (c *Catalog) ListAssistants(ctx context.Context) ([]Assistant, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+assistantColumns+" FROM assistants ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assistants []Assistant
	for rows.Next() {
		var a Assistant
		var kbIDs string
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &kbIDs, &a.EmbeddingModel,
			&a.LLMModel, &a.LLMProvider, &a.SystemPrompt, &a.Status,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.KBIDs = splitIDs(kbIDs)
		assistants = append(assistants, a)
	}
	return assistants, rows.Err()
}

// UpdateAssistant replaces the mutable fields of an assistant. The KB
// binding is re-validated for embedding consistency.
func (c *Catalog) UpdateAssistant(ctx context.Context, a Assistant) (*Assistant, error) {
	model, err := c.sharedEmbeddingModel(ctx, a.KBIDs)
	if err != nil {
		return nil, err
	}
	if a.LLMProvider == "" {
		a.LLMProvider = "local"
	}
	if a.Status == "" {
		a.Status = "active"
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE assistants SET name = ?, description = ?, kb_ids = ?, embedding_model = ?,
			llm_model = ?, llm_provider = ?, system_prompt = ?, status = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, a.Name, a.Description, joinIDs(a.KBIDs), model,
		a.LLMModel, a.LLMProvider, a.SystemPrompt, a.Status, a.ID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrAssistantNotFound
	}
	return c.GetAssistant(ctx, a.ID)
}

// DeleteAssistant removes an assistant and purges its conversations and
// their messages in one transaction.
func (c *Catalog) DeleteAssistant(ctx context.Context, id int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE conversation_id IN (
				SELECT id FROM conversations WHERE assistant_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM conversations WHERE assistant_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM assistants WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAssistantNotFound
		}
		return nil
	})
}

// sharedEmbeddingModel verifies that all given knowledge bases exist and
// share one (provider, model) embedding configuration, returning the model.
// An empty binding returns an empty model.
func (c *Catalog) sharedEmbeddingModel(ctx context.Context, kbIDs []int64) (string, error) {
	if len(kbIDs) == 0 {
		return "", nil
	}
	var model, provider string
	for i, id := range kbIDs {
		kb, err := c.GetKB(ctx, id)
		if err != nil {
			return "", err
		}
		if i == 0 {
			model, provider = kb.EmbeddingModel, kb.EmbeddingProvider
			continue
		}
		if kb.EmbeddingModel != model || kb.EmbeddingProvider != provider {
			return "", fmt.Errorf("%w: %s/%s vs %s/%s",
				ErrEmbeddingMismatch, provider, model, kb.EmbeddingProvider, kb.EmbeddingModel)
		}
	}
	return model, nil
}

// --- Conversation operations ---

const conversationColumns = `id, assistant_id, COALESCE(title, ''), message_count, created_at, updated_at`

// CreateConversation starts a new conversation under an assistant.
func (c *Catalog) CreateConversation(ctx context.Context, assistantID int64, title string) (*Conversation, error) {
	if _, err := c.GetAssistant(ctx, assistantID); err != nil {
		return nil, err
	}
	res, err := c.db.ExecContext(ctx,
		"INSERT INTO conversations (assistant_id, title) VALUES (?, ?)", assistantID, title)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return c.GetConversation(ctx, id)
}

// GetConversation retrieves a conversation by ID.
func (c *Catalog) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	conv := &Conversation{}
	err := row.Scan(&conv.ID, &conv.AssistantID, &conv.Title, &conv.MessageCount,
		&conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns an assistant's conversations, most recently
// active first. A limit of 0 returns all rows.
func (c *Catalog) ListConversations(ctx context.Context, assistantID int64, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE assistant_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?",
		assistantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.AssistantID, &conv.Title, &conv.MessageCount,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// RenameConversation updates a conversation title.
func (c *Catalog) RenameConversation(ctx context.Context, id int64, title string) error {
	res, err := c.db.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages in one
// transaction.
func (c *Catalog) DeleteConversation(ctx context.Context, id int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

// ClearMessages deletes all messages of a conversation and resets its
// counter in one transaction.
func (c *Catalog) ClearMessages(ctx context.Context, conversationID int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET message_count = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

// --- Message operations ---

// AppendMessage persists one message and increments the conversation
// counter atomically. Exactly one +1 per persisted message.
func (c *Catalog) AppendMessage(ctx context.Context, conversationID int64, role, content, sourcesJSON string) (*Message, error) {
	var id int64
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE conversations SET message_count = message_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConversationNotFound
		}

		var sources interface{}
		if sourcesJSON != "" {
			sources = sourcesJSON
		}
		res, err = tx.ExecContext(ctx,
			"INSERT INTO messages (conversation_id, role, content, sources) VALUES (?, ?, ?, ?)",
			conversationID, role, content, sources)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	var sources sql.NullString
	err = c.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, sources, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &sources, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.Sources = sources.String
	return msg, nil
}

// Messages returns a conversation's messages in chronological order.
// A limit of 0 returns all rows.
func (c *Catalog) Messages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sources, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, id LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentMessages returns the last n messages of a conversation in
// chronological order.
func (c *Catalog) RecentMessages(ctx context.Context, conversationID int64, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sources, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`, conversationID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var sources sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&sources, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Sources = sources.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Model usage ---

// EmbeddingModelUsage counts the knowledge bases and active assistants
// that reference an embedding model.
func (c *Catalog) EmbeddingModelUsage(ctx context.Context, model string) (kbCount, assistantCount int, err error) {
	err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM knowledge_bases WHERE embedding_model = ?", model).Scan(&kbCount)
	if err != nil {
		return 0, 0, err
	}
	err = c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assistants WHERE embedding_model = ? AND status = 'active'", model).Scan(&assistantCount)
	if err != nil {
		return 0, 0, err
	}
	return kbCount, assistantCount, nil
}

// LLMModelUsage counts the active assistants that reference a generation
// model.
func (c *Catalog) LLMModelUsage(ctx context.Context, model string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assistants WHERE llm_model = ? AND status = 'active'", model).Scan(&n)
	return n, err
}

// --- helpers ---

// joinIDs renders ids as a comma-separated string for storage.
func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// splitIDs parses a comma-separated id list, skipping malformed entries.
func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
