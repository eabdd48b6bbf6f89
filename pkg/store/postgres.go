package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codeready-toolchain/relay/pkg/models"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store over a pooled *sql.DB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- conversations ---

const conversationColumns = `id, title, status, response_id, completion_reason, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	if err := row.Scan(&c.ID, &c.Title, &status, &c.ResponseID, &c.CompletionReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := models.ParseConversationStatus(status)
	if err != nil {
		return nil, err
	}
	c.Status = parsed
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, title *string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (title) VALUES ($1) RETURNING `+conversationColumns, title)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id int64, status models.ConversationStatus, completionReason *string) error {
	// The WHERE clause mirrors ConversationStatus.CanTransitionTo: same-status
	// writes and STREAMING (a new turn) are always legal, terminal states only
	// replace a live one, nothing moves back to CREATED.
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = $2, completion_reason = $3, updated_at = now()
		 WHERE id = $1
		   AND (status = $2
		        OR $2 = 'STREAMING'
		        OR ($2 IN ('COMPLETED', 'INCOMPLETE', 'FAILED')
		            AND status NOT IN ('COMPLETED', 'INCOMPLETE', 'FAILED')))`,
		id, string(status), completionReason)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: conversation %d -> %s", ErrInvalidTransition, id, status)
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetConversationResponseID(ctx context.Context, id int64, responseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET response_id = $2, updated_at = now() WHERE id = $1`,
		id, responseID)
	if err != nil {
		return fmt.Errorf("failed to set conversation response id: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

const messageColumns = `id, conversation_id, role, content, raw_json, output_index, item_id, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var role string
	var raw []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &raw, &m.OutputIndex, &m.ItemID, &m.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := models.ParseMessageRole(role)
	if err != nil {
		return nil, err
	}
	m.Role = parsed
	m.RawJSON = raw
	return &m, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m.ItemID == nil {
		row := s.db.QueryRowContext(ctx,
			`INSERT INTO messages (conversation_id, role, content, raw_json, output_index)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+messageColumns,
			m.ConversationID, string(m.Role), m.Content, nullableJSON(m.RawJSON), m.OutputIndex)
		stored, err := scanMessage(row)
		if err != nil {
			return nil, fmt.Errorf("failed to append message: %w", err)
		}
		return stored, nil
	}

	// Finalization events may be replayed; the row keyed by
	// (conversation_id, item_id) converges to the latest content.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, raw_json, output_index, item_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id, item_id) WHERE item_id IS NOT NULL
		 DO UPDATE SET
		     content = EXCLUDED.content,
		     raw_json = COALESCE(EXCLUDED.raw_json, messages.raw_json),
		     output_index = COALESCE(messages.output_index, EXCLUDED.output_index)
		 RETURNING `+messageColumns,
		m.ConversationID, string(m.Role), m.Content, nullableJSON(m.RawJSON), m.OutputIndex, m.ItemID)
	stored, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert message: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- tool calls ---

const toolCallColumns = `id, conversation_id, type, name, item_id, arguments_json, result_json, status, status_detail, server_id, output_index, created_at, updated_at`

func scanToolCall(row interface{ Scan(...any) error }) (*models.ToolCall, error) {
	var tc models.ToolCall
	var typ, status string
	var args, result []byte
	if err := row.Scan(&tc.ID, &tc.ConversationID, &typ, &tc.Name, &tc.ItemID, &args, &result,
		&status, &tc.StatusDetail, &tc.ServerID, &tc.OutputIndex, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
		return nil, err
	}
	parsedType, err := models.ParseToolCallType(typ)
	if err != nil {
		return nil, err
	}
	parsedStatus, err := models.ParseToolCallStatus(status)
	if err != nil {
		return nil, err
	}
	tc.Type = parsedType
	tc.Status = parsedStatus
	tc.ArgumentsJSON = args
	tc.ResultJSON = result
	return &tc, nil
}

// UpsertToolCall converges concurrent writers on (conversation_id, item_id):
// the first insert fixes the type, name fills in once, arguments and results
// fill in as they arrive, and a terminal status is never downgraded.
func (s *PostgresStore) UpsertToolCall(ctx context.Context, tc *models.ToolCall) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tool_calls (conversation_id, type, name, item_id, arguments_json, result_json, status, status_detail, server_id, output_index)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (conversation_id, item_id) DO UPDATE SET
		     name = COALESCE(tool_calls.name, EXCLUDED.name),
		     arguments_json = COALESCE(EXCLUDED.arguments_json, tool_calls.arguments_json),
		     result_json = COALESCE(EXCLUDED.result_json, tool_calls.result_json),
		     status = CASE
		         WHEN tool_calls.status IN ('COMPLETED', 'FAILED') THEN tool_calls.status
		         ELSE EXCLUDED.status
		     END,
		     status_detail = CASE
		         WHEN tool_calls.status IN ('COMPLETED', 'FAILED') THEN tool_calls.status_detail
		         ELSE COALESCE(EXCLUDED.status_detail, tool_calls.status_detail)
		     END,
		     server_id = COALESCE(tool_calls.server_id, EXCLUDED.server_id),
		     output_index = COALESCE(tool_calls.output_index, EXCLUDED.output_index),
		     updated_at = now()
		 RETURNING `+toolCallColumns,
		tc.ConversationID, string(tc.Type), tc.Name, tc.ItemID,
		nullableJSON(tc.ArgumentsJSON), nullableJSON(tc.ResultJSON),
		string(tc.Status), tc.StatusDetail, tc.ServerID, tc.OutputIndex)
	stored, err := scanToolCall(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tool call: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetToolCall(ctx context.Context, conversationID int64, itemID string) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE conversation_id = $1 AND item_id = $2`,
		conversationID, itemID)
	tc, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool call: %w", err)
	}
	return tc, nil
}

func (s *PostgresStore) ListToolCalls(ctx context.Context, conversationID int64) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE conversation_id = $1 ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// --- mcp servers ---

const serverColumns = `id, server_id, name, base_url, api_key_enc, transport, status, sync_status, tools_cache, resources_cache, prompts_cache, last_synced_at, version, last_updated`

func scanServer(row interface{ Scan(...any) error }) (*models.MCPServer, error) {
	var srv models.MCPServer
	var transport, status, syncStatus string
	var tools, resources, prompts []byte
	if err := row.Scan(&srv.ID, &srv.ServerID, &srv.Name, &srv.BaseURL, &srv.APIKeyEnc,
		&transport, &status, &syncStatus, &tools, &resources, &prompts,
		&srv.LastSyncedAt, &srv.Version, &srv.LastUpdated); err != nil {
		return nil, err
	}
	parsedTransport, err := models.ParseTransportKind(transport)
	if err != nil {
		return nil, err
	}
	parsedStatus, err := models.ParseServerStatus(status)
	if err != nil {
		return nil, err
	}
	parsedSync, err := models.ParseSyncStatus(syncStatus)
	if err != nil {
		return nil, err
	}
	srv.Transport = parsedTransport
	srv.Status = parsedStatus
	srv.SyncStatus = parsedSync
	srv.ToolsCache = tools
	srv.ResourcesCache = resources
	srv.PromptsCache = prompts
	return &srv, nil
}

func (s *PostgresStore) CreateServer(ctx context.Context, srv *models.MCPServer) (*models.MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO mcp_servers (server_id, name, base_url, api_key_enc, transport, status, sync_status, tools_cache, resources_cache, prompts_cache, last_synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+serverColumns,
		srv.ServerID, srv.Name, srv.BaseURL, srv.APIKeyEnc,
		string(srv.Transport), string(srv.Status), string(srv.SyncStatus),
		nullableJSON(srv.ToolsCache), nullableJSON(srv.ResourcesCache), nullableJSON(srv.PromptsCache),
		srv.LastSyncedAt)
	stored, err := scanServer(row)
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetServer(ctx context.Context, serverID string) (*models.MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE server_id = $1`, serverID)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return srv, nil
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]*models.MCPServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*models.MCPServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// UpdateServer performs a version-guarded update. The caller supplies the
// version it read; a mismatch returns ErrOptimisticConflict.
func (s *PostgresStore) UpdateServer(ctx context.Context, srv *models.MCPServer) (*models.MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE mcp_servers SET
		     name = $3,
		     base_url = $4,
		     api_key_enc = $5,
		     transport = $6,
		     status = $7,
		     sync_status = $8,
		     tools_cache = $9,
		     resources_cache = $10,
		     prompts_cache = $11,
		     last_synced_at = $12,
		     version = version + 1,
		     last_updated = now()
		 WHERE server_id = $1 AND version = $2
		 RETURNING `+serverColumns,
		srv.ServerID, srv.Version, srv.Name, srv.BaseURL, srv.APIKeyEnc,
		string(srv.Transport), string(srv.Status), string(srv.SyncStatus),
		nullableJSON(srv.ToolsCache), nullableJSON(srv.ResourcesCache), nullableJSON(srv.PromptsCache),
		srv.LastSyncedAt)
	stored, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetServer(ctx, srv.ServerID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrOptimisticConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) DeleteServer(ctx context.Context, serverID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE server_id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return requireAffected(res)
}

// --- approval policies ---

const policyColumns = `id, server_id, tool_name, policy`

func scanPolicy(row interface{ Scan(...any) error }) (*models.ToolApprovalPolicy, error) {
	var p models.ToolApprovalPolicy
	var policy string
	if err := row.Scan(&p.ID, &p.ServerID, &p.ToolName, &policy); err != nil {
		return nil, err
	}
	parsed, err := models.ParseApprovalPolicy(policy)
	if err != nil {
		return nil, err
	}
	p.Policy = parsed
	return &p, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, serverID, toolName string) (*models.ToolApprovalPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM tool_approval_policies WHERE server_id = $1 AND tool_name = $2`,
		serverID, toolName)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval policy: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context, serverID string) ([]*models.ToolApprovalPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM tool_approval_policies WHERE server_id = $1 ORDER BY tool_name`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval policies: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolApprovalPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPolicy(ctx context.Context, serverID, toolName string, policy models.ApprovalPolicy) (*models.ToolApprovalPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tool_approval_policies (server_id, tool_name, policy)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (server_id, tool_name) DO UPDATE SET policy = EXCLUDED.policy
		 RETURNING `+policyColumns,
		serverID, toolName, string(policy))
	p, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("failed to set approval policy: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, serverID, toolName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_approval_policies WHERE server_id = $1 AND tool_name = $2`,
		serverID, toolName)
	if err != nil {
		return fmt.Errorf("failed to delete approval policy: %w", err)
	}
	return requireAffected(res)
}

// nullableJSON maps an empty raw message to SQL NULL so COALESCE-based
// upserts treat "absent" correctly.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
