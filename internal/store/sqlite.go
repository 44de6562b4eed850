package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/shared"
	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// sqliteDSN applies the pragmas on every pooled connection the driver opens.
func sqliteDSN(dbPath string) string {
	return dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		specialization_json TEXT NOT NULL DEFAULT '[]',
		capabilities_json TEXT NOT NULL DEFAULT '[]',
		config_json TEXT NOT NULL DEFAULT '{}',
		max_concurrent INTEGER NOT NULL,
		current_load INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status, position);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		channel TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		escalated_to_human INTEGER NOT NULL DEFAULT 0,
		escalation_reason TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_customer ON conversations(customer_id);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		sent_at INTEGER NOT NULL,
		sentiment TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		is_ai_generated INTEGER NOT NULL DEFAULT 0,
		processing_time_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs a write with exponential backoff on SQLITE_BUSY / locked errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == writeRetries-1 {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite write busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, writeRetries, err)
}

type conversationRow struct {
	ID               string `db:"id"`
	CustomerID       string `db:"customer_id"`
	AssignedAgentID  string `db:"assigned_agent_id"`
	Status           string `db:"status"`
	Priority         string `db:"priority"`
	Channel          string `db:"channel"`
	Subject          string `db:"subject"`
	TagsJSON         string `db:"tags_json"`
	EscalatedToHuman bool   `db:"escalated_to_human"`
	EscalationReason string `db:"escalation_reason"`
	SessionID        string `db:"session_id"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

const conversationColumns = `id, customer_id, assigned_agent_id, status, priority, channel, subject,
	tags_json, escalated_to_human, escalation_reason, session_id, created_at, updated_at`

func (r conversationRow) toDomain() domain.Conversation {
	conv := domain.Conversation{
		ID:               r.ID,
		CustomerID:       r.CustomerID,
		AssignedAgentID:  r.AssignedAgentID,
		Status:           domain.ConversationStatus(r.Status),
		Priority:         domain.Priority(r.Priority),
		Channel:          domain.Channel(r.Channel),
		Subject:          r.Subject,
		EscalatedToHuman: r.EscalatedToHuman,
		EscalationReason: r.EscalationReason,
		SessionID:        r.SessionID,
		CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:        time.UnixMilli(r.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.TagsJSON), &conv.Tags); err != nil || conv.Tags == nil {
		conv.Tags = []string{}
	}
	return conv
}

type messageRow struct {
	ID               string  `db:"id"`
	ConversationID   string  `db:"conversation_id"`
	SenderID         string  `db:"sender_id"`
	SenderType       string  `db:"sender_type"`
	Content          string  `db:"content"`
	MetadataJSON     string  `db:"metadata_json"`
	SentAt           int64   `db:"sent_at"`
	Sentiment        string  `db:"sentiment"`
	Intent           string  `db:"intent"`
	Confidence       float64 `db:"confidence"`
	IsAIGenerated    bool    `db:"is_ai_generated"`
	ProcessingTimeMs int64   `db:"processing_time_ms"`
}

const messageColumns = `id, conversation_id, sender_id, sender_type, content, metadata_json,
	sent_at, sentiment, intent, confidence, is_ai_generated, processing_time_ms`

func (r messageRow) toDomain() domain.Message {
	msg := domain.Message{
		ID:               r.ID,
		ConversationID:   r.ConversationID,
		SenderID:         r.SenderID,
		SenderType:       domain.SenderType(r.SenderType),
		Content:          r.Content,
		Timestamp:        time.UnixMilli(r.SentAt).UTC(),
		Sentiment:        r.Sentiment,
		Intent:           r.Intent,
		ConfidenceScore:  r.Confidence,
		IsAIGenerated:    r.IsAIGenerated,
		ProcessingTimeMs: r.ProcessingTimeMs,
	}
	if err := json.Unmarshal([]byte(r.MetadataJSON), &msg.Metadata); err != nil || msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	return msg
}

type agentRow struct {
	ID                 string `db:"id"`
	Name               string `db:"name"`
	Description        string `db:"description"`
	Status             string `db:"status"`
	SpecializationJSON string `db:"specialization_json"`
	CapabilitiesJSON   string `db:"capabilities_json"`
	ConfigJSON         string `db:"config_json"`
	MaxConcurrent      int    `db:"max_concurrent"`
	CurrentLoad        int    `db:"current_load"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

const agentColumns = `id, name, description, status, specialization_json, capabilities_json,
	config_json, max_concurrent, current_load, created_at, updated_at`

func (r agentRow) toDomain() domain.Agent {
	agent := domain.Agent{
		ID:                         r.ID,
		Name:                       r.Name,
		Description:                r.Description,
		Status:                     domain.AgentStatus(r.Status),
		MaxConcurrentConversations: r.MaxConcurrent,
		CurrentLoad:                r.CurrentLoad,
		CreatedAt:                  time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:                  time.UnixMilli(r.UpdatedAt).UTC(),
	}
	_ = json.Unmarshal([]byte(r.SpecializationJSON), &agent.Specialization)
	_ = json.Unmarshal([]byte(r.CapabilitiesJSON), &agent.Capabilities)
	_ = json.Unmarshal([]byte(r.ConfigJSON), &agent.Config)
	return agent
}

func mustJSON(v any, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return fallback
	}
	return string(b)
}

// CreateConversation stores a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.withRetry(ctx, "create conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.CustomerID, conv.AssignedAgentID, string(conv.Status),
			string(conv.Priority), string(conv.Channel), conv.Subject,
			mustJSON(conv.Tags, "[]"), conv.EscalatedToHuman, conv.EscalationReason,
			conv.SessionID, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) getConversationRow(ctx context.Context, id string) (*domain.Conversation, error) {
	var row conversationRow
	err := sqlscan.Get(ctx, s.db, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv := row.toDomain()
	return &conv, nil
}

// GetConversation returns a conversation with its full message history.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.getConversationRow(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := sqlscan.Select(ctx, s.db, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	conv.Messages = make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		conv.Messages = append(conv.Messages, r.toDomain())
	}
	return conv, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
		SELECT seq, ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`

	var rows []messageRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toDomain())
	}
	return msgs, nil
}

// ListConversations returns a filtered, paginated listing without messages.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ListFilter) (*ConversationPage, error) {
	filter = filter.Normalize()

	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}

	var rows []conversationRow
	pageArgs := append(append([]interface{}{}, args...), filter.PageSize, (filter.Page-1)*filter.PageSize)
	if err := sqlscan.Select(ctx, s.db, &rows,
		`SELECT `+conversationColumns+` FROM conversations`+clause+
			` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`, pageArgs...); err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	page := &ConversationPage{
		Conversations: make([]domain.Conversation, 0, len(rows)),
		TotalCount:    total,
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}
	for _, r := range rows {
		page.Conversations = append(page.Conversations, r.toDomain())
	}
	return page, nil
}

// AppendMessage adds a message to the end of a conversation's history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	return s.withRetry(ctx, "append message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
			msg.Timestamp.UnixMilli(), conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, conversationID, msg.SenderID, string(msg.SenderType), msg.Content,
			mustJSON(msg.Metadata, "{}"), msg.Timestamp.UnixMilli(), msg.Sentiment, msg.Intent,
			msg.ConfidenceScore, msg.IsAIGenerated, msg.ProcessingTimeMs,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) execOne(ctx context.Context, op, what string, query string, args ...interface{}) error {
	return s.withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil
	})
}

// UpdateStatus changes a conversation's status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) error {
	now := time.Now().UnixMilli()
	if status == domain.StatusEscalated {
		return s.execOne(ctx, "update status", "conversation "+conversationID,
			`UPDATE conversations SET status = ?, escalated_to_human = 1, escalation_reason = ?, updated_at = ? WHERE id = ?`,
			string(status), reason, now, conversationID)
	}
	return s.execOne(ctx, "update status", "conversation "+conversationID,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, conversationID)
}

// AssignAgent records the agent handling a conversation.
func (s *SQLiteStore) AssignAgent(ctx context.Context, conversationID, agentID string) error {
	return s.execOne(ctx, "assign agent", "conversation "+conversationID,
		`UPDATE conversations SET assigned_agent_id = ?, updated_at = ? WHERE id = ?`,
		agentID, time.Now().UnixMilli(), conversationID)
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentRow
	err := sqlscan.Get(ctx, s.db, &row, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	agent := row.toDomain()
	return &agent, nil
}

// ListAgents returns agents in directory order. An empty status lists all agents.
func (s *SQLiteStore) ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY position ASC, id ASC`

	var rows []agentRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	agents := make([]domain.Agent, 0, len(rows))
	for _, r := range rows {
		agents = append(agents, r.toDomain())
	}
	return agents, nil
}

// UpsertAgent creates or updates an agent definition. The load counter is preserved.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
	INSERT INTO agents (id, name, description, status, specialization_json, capabilities_json,
		config_json, max_concurrent, current_load, position, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0,
		(SELECT COALESCE(MAX(position), 0) + 1 FROM agents), ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		status = excluded.status,
		specialization_json = excluded.specialization_json,
		capabilities_json = excluded.capabilities_json,
		config_json = excluded.config_json,
		max_concurrent = excluded.max_concurrent,
		updated_at = excluded.updated_at`

	maxConcurrent := agent.MaxConcurrentConversations
	if maxConcurrent <= 0 {
		maxConcurrent = domain.DefaultMaxConcurrent
	}
	now := time.Now().UnixMilli()

	return s.withRetry(ctx, "upsert agent", func() error {
		_, err := s.db.ExecContext(ctx, query,
			agent.ID, agent.Name, agent.Description, string(agent.Status),
			mustJSON(agent.Specialization, "[]"), mustJSON(agent.Capabilities, "[]"),
			mustJSON(agent.Config, "{}"), maxConcurrent, now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// AdjustLoad adds delta to an agent's load counter, never going below zero.
func (s *SQLiteStore) AdjustLoad(ctx context.Context, agentID string, delta int) error {
	return s.execOne(ctx, "adjust load", "agent "+agentID,
		`UPDATE agents SET current_load = MAX(current_load + ?, 0), updated_at = ? WHERE id = ?`,
		delta, time.Now().UnixMilli(), agentID)
}

// DashboardStats aggregates counters for the dashboard.
func (s *SQLiteStore) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	var stats domain.DashboardStats
	var escalatedEver int

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'escalated' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(escalated_to_human), 0)
		FROM conversations`).Scan(
		&stats.TotalConversations, &stats.ActiveConversations,
		&stats.EscalatedConversations, &stats.ResolvedConversations, &escalatedEver,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status = ?`, string(domain.AgentActive)).Scan(&stats.ActiveAgents); err != nil {
		return nil, fmt.Errorf("agent stats: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(processing_time_ms) FROM messages WHERE is_ai_generated = 1`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("response time stats: %w", err)
	}
	stats.AvgResponseTimeMs = avg.Float64

	if stats.TotalConversations > 0 {
		stats.EscalationRate = float64(escalatedEver) / float64(stats.TotalConversations) * 100
	}
	return &stats, nil
}

var _ Repository = (*SQLiteStore)(nil)
