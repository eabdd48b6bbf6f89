package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/mcp"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/store"
	"github.com/codeready-toolchain/relay/pkg/upstream"
)

// maxToolTurns caps function-call follow-up rounds within one client stream.
const maxToolTurns = 8

// persistTimeout bounds individual persistence writes during a stream.
const persistTimeout = 5 * time.Second

// Orchestrator maps one upstream streaming turn to client events,
// persistence writes and tool round trips.
type Orchestrator struct {
	store        store.Store
	upstream     *upstream.Client
	toolset      *ToolsetProvider
	router       *mcp.Router
	cfg          config.OrchestratorConfig
	defaultModel string
	logger       *slog.Logger
}

// New creates an Orchestrator.
func New(st store.Store, up *upstream.Client, toolset *ToolsetProvider, router *mcp.Router, cfg config.OrchestratorConfig, defaultModel string) *Orchestrator {
	return &Orchestrator{
		store:        st,
		upstream:     up,
		toolset:      toolset,
		router:       router,
		cfg:          cfg,
		defaultModel: defaultModel,
		logger:       slog.Default(),
	}
}

// StreamRequest is the client's request to run one streaming turn.
type StreamRequest struct {
	ConversationID *int64
	Title          *string
	Payload        map[string]any
}

// StreamResponses runs one streaming turn. Validation and conversation
// loading happen synchronously so malformed requests fail with a plain HTTP
// error before any SSE begins; everything after that flows through the
// returned channel, which closes when the stream ends.
func (o *Orchestrator) StreamResponses(ctx context.Context, req StreamRequest, authHeader string) (<-chan ClientEvent, error) {
	if req.Payload == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidRequest)
	}
	if _, ok := req.Payload["model"]; !ok {
		if o.defaultModel == "" {
			return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
		}
		req.Payload["model"] = o.defaultModel
	}
	if req.Payload["input"] == nil && req.Payload["messages"] == nil {
		return nil, fmt.Errorf("%w: input or messages is required", ErrInvalidRequest)
	}

	conv, err := o.ensureConversation(ctx, req.ConversationID, req.Title)
	if err != nil {
		return nil, err
	}

	blocks, err := o.toolset.Blocks(ctx)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(req.Payload)+2)
	for k, v := range req.Payload {
		payload[k] = v
	}
	payload["stream"] = true
	if len(blocks) > 0 {
		payload["tools"] = appendToolBlocks(payload["tools"], blocks)
	}

	out := make(chan ClientEvent, 16)
	go o.run(ctx, conv, payload, authHeader, out)
	return out, nil
}

// SendApprovalResponse replays a human approval decision upstream. The new
// request carries previous_response_id so the upstream resumes the gated
// call; tools are not re-injected, the upstream remembers them.
func (o *Orchestrator) SendApprovalResponse(ctx context.Context, conversationID int64, approvalRequestID string, approve bool, reason *string, authHeader string) (<-chan ClientEvent, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ResponseID == nil {
		return nil, ErrApprovalContextMissing
	}

	detail := "denied"
	if approve {
		detail = "approved"
	}
	if _, err := o.store.UpsertToolCall(ctx, &models.ToolCall{
		ConversationID: conv.ID,
		Type:           models.ToolCallMCP,
		ItemID:         approvalRequestID,
		Status:         models.ToolCallInProgress,
		StatusDetail:   &detail,
	}); err != nil {
		return nil, err
	}

	item := map[string]any{
		"type":                "mcp_approval_response",
		"approval_request_id": approvalRequestID,
		"approve":             approve,
	}
	if reason != nil {
		item["reason"] = *reason
	}
	payload := map[string]any{
		"model":                o.defaultModel,
		"previous_response_id": *conv.ResponseID,
		"input":                []any{item},
		"stream":               true,
	}

	out := make(chan ClientEvent, 16)
	go o.run(ctx, conv, payload, authHeader, out)
	return out, nil
}

func (o *Orchestrator) ensureConversation(ctx context.Context, id *int64, title *string) (*models.Conversation, error) {
	if id == nil {
		return o.store.CreateConversation(ctx, title)
	}
	return o.store.GetConversation(ctx, *id)
}

// appendToolBlocks merges registry tool blocks into any caller-supplied tools.
func appendToolBlocks(existing any, blocks []ToolBlock) []any {
	var out []any
	if list, ok := existing.([]any); ok {
		out = append(out, list...)
	}
	for _, block := range blocks {
		out = append(out, block)
	}
	return out
}

// --- per-turn state ---

type outputState struct {
	itemID      string
	outputIndex int
	buf         strings.Builder
	finalized   bool
}

type toolCallState struct {
	itemID      string
	callID      string
	typ         models.ToolCallType
	name        string
	outputIndex *int
	args        strings.Builder
	frozenArgs  string
	pending     bool
}

type turnState struct {
	responseID string
	outputs    map[int]*outputState
	byItem     map[string]*outputState
	toolCalls  map[string]*toolCallState
	pending    []*toolCallState

	terminal   models.ConversationStatus
	completion *string
	critical   bool
}

func newTurnState() *turnState {
	return &turnState{
		outputs:   make(map[int]*outputState),
		byItem:    make(map[string]*outputState),
		toolCalls: make(map[string]*toolCallState),
	}
}

// --- upstream payload decoding ---

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responsePayload struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error *errorPayload `json:"error"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type itemPayload struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Arguments   string          `json:"arguments"`
	ServerLabel string          `json:"server_label"`
	Output      json.RawMessage `json:"output"`
	Error       json.RawMessage `json:"error"`
	Content     []contentPart   `json:"content"`
}

type upstreamEvent struct {
	Response    *responsePayload `json:"response"`
	Item        *itemPayload     `json:"item"`
	OutputIndex *int             `json:"output_index"`
	ItemID      string           `json:"item_id"`
	Delta       string           `json:"delta"`
	Text        string           `json:"text"`
	Refusal     string           `json:"refusal"`
	Arguments   string           `json:"arguments"`
	Code        string           `json:"code"`
	Message     string           `json:"message"`
	Error       *errorPayload    `json:"error"`

	// mcp_approval_request fields when not nested under item
	ApprovalRequestID string `json:"approval_request_id"`
	ServerLabel       string `json:"server_label"`
	Name              string `json:"name"`
}

// --- turn loop ---

type turnOutcome struct {
	status models.ConversationStatus
	reason *string
}

func (o *Orchestrator) run(ctx context.Context, conv *models.Conversation, payload map[string]any, authHeader string, out chan<- ClientEvent) {
	defer close(out)

	emit := func(ev ClientEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	emit(newEvent(EventConversationReady, conversationReadyPayload{
		ID:         conv.ID,
		Title:      conv.Title,
		Status:     string(conv.Status),
		ResponseID: conv.ResponseID,
	}))

	if err := o.persistStatus(ctx, conv.ID, models.ConversationStreaming, nil); err != nil {
		emit(errorEvent("persistence_error", err.Error()))
		o.finalize(conv.ID, models.ConversationFailed, strPtr("persistence_error"), emit)
		return
	}

	if text, ok := payload["input"].(string); ok {
		if _, err := o.appendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        text,
		}); err != nil {
			o.logger.Warn("Failed to persist user message", "conversation", conv.ID, "error", err)
		}
	}

	outcome := o.runTurns(ctx, conv, payload, authHeader, emit)
	o.finalize(conv.ID, outcome.status, outcome.reason, emit)
}

// finalize persists the terminal status and flushes conversation.status to
// the client. It uses a fresh context so a client disconnect cannot prevent
// the terminal write.
func (o *Orchestrator) finalize(conversationID int64, status models.ConversationStatus, reason *string, emit func(ClientEvent) bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.UpdateConversationStatus(ctx, conversationID, status, reason); err != nil {
		o.logger.Error("Failed to persist terminal conversation status",
			"conversation", conversationID, "status", status, "error", err)
	}
	emit(newEvent(EventConversationStatus, conversationStatusPayload{
		Status:           string(status),
		CompletionReason: reason,
	}))
}

func (o *Orchestrator) runTurns(ctx context.Context, conv *models.Conversation, payload map[string]any, authHeader string, emit func(ClientEvent) bool) turnOutcome {
	for turn := 0; turn < maxToolTurns; turn++ {
		state := newTurnState()

		err := o.streamOneTurn(ctx, conv, payload, authHeader, state, emit)
		if err != nil {
			if state.terminal != "" {
				// The turn already finished; a late transport error or
				// disconnect must not override the terminal status.
				return turnOutcome{state.terminal, state.completion}
			}
			if ctx.Err() != nil {
				return turnOutcome{models.ConversationFailed, strPtr("client_disconnected")}
			}
			emit(errorEvent("upstream_error", err.Error()))
			return turnOutcome{models.ConversationFailed, strPtr("upstream_error")}
		}
		if state.critical {
			return turnOutcome{state.terminal, state.completion}
		}
		if state.terminal == "" {
			// Stream closed without a terminal event.
			emit(errorEvent("stream_interrupted", "upstream closed the stream before a terminal event"))
			return turnOutcome{models.ConversationFailed, strPtr("stream_interrupted")}
		}

		if state.terminal == models.ConversationCompleted && len(state.pending) > 0 {
			outputs := o.executeFunctions(ctx, conv, state)
			if ctx.Err() != nil {
				return turnOutcome{models.ConversationFailed, strPtr("client_disconnected")}
			}
			payload = o.followUpPayload(payload, state.responseID, outputs)
			continue
		}
		return turnOutcome{state.terminal, state.completion}
	}

	o.logger.Warn("Tool follow-up limit reached", "conversation", conv.ID, "limit", maxToolTurns)
	return turnOutcome{models.ConversationFailed, strPtr("tool_iteration_limit")}
}

func (o *Orchestrator) streamOneTurn(ctx context.Context, conv *models.Conversation, payload map[string]any, authHeader string, state *turnState, emit func(ClientEvent) bool) error {
	var turnCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.StreamTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, o.cfg.StreamTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	events, errs, err := o.upstream.Stream(turnCtx, payload, authHeader)
	if err != nil {
		return err
	}

	for ev := range events {
		o.dispatch(ctx, conv, state, ev, emit)
		if state.critical {
			cancel() // unblock the decoder; the rest of the stream is moot
			return nil
		}
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// dispatch applies one upstream event to per-turn state, persistence and the
// client stream. A malformed frame is logged and dropped; the stream
// continues.
func (o *Orchestrator) dispatch(ctx context.Context, conv *models.Conversation, state *turnState, ev upstream.Event, emit func(ClientEvent) bool) {
	var p upstreamEvent
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			o.logger.Warn("Dropping malformed upstream event", "type", ev.Type, "error", err)
			return
		}
	}

	forward := true
	switch {
	case ev.Type == "response.created":
		if p.Response != nil {
			state.responseID = p.Response.ID
			if err := o.persistResponseID(ctx, conv.ID, p.Response.ID); err != nil {
				o.logger.Warn("Failed to persist response id", "conversation", conv.ID, "error", err)
			}
		}

	case ev.Type == "response.output_item.added":
		o.handleItemAdded(ctx, conv, state, &p)

	case ev.Type == "response.output_text.delta" || ev.Type == "response.refusal.delta":
		delta := p.Delta
		if ev.Type == "response.refusal.delta" && delta == "" {
			delta = p.Refusal
		}
		o.handleTextDelta(ctx, conv, state, &p, delta)

	case ev.Type == "response.output_text.done" || ev.Type == "response.refusal.done":
		text := p.Text
		if ev.Type == "response.refusal.done" && text == "" {
			text = p.Refusal
		}
		o.handleTextDone(ctx, conv, state, &p, text)

	case ev.Type == "response.mcp_approval_request":
		o.handleApprovalRequest(ctx, conv, state, &p, emit)

	case ev.Type == "response.output_item.done":
		o.handleItemDone(ctx, conv, state, &p, rawItem(ev.Data))

	case ev.Type == "response.completed":
		state.terminal = models.ConversationCompleted
		state.completion = nil

	case ev.Type == "response.incomplete":
		state.terminal = models.ConversationIncomplete
		state.completion = incompleteReason(p.Response)

	case ev.Type == "response.failed":
		state.terminal = models.ConversationFailed
		state.completion = strPtr(failureReason(p.Response))

	case ev.Type == "response.error":
		// Non-terminal: forwarded as-is, conversation status untouched.

	case ev.Type == "error":
		code := p.Code
		if code == "" && p.Error != nil {
			code = p.Error.Code
		}
		state.terminal = models.ConversationFailed
		state.completion = strPtr("CRITICAL: " + code)
		state.critical = true

	case strings.HasSuffix(ev.Type, "arguments.delta"):
		o.handleArgumentsDelta(ctx, conv, state, &p)

	case strings.HasSuffix(ev.Type, "arguments.done"):
		o.handleArgumentsDone(ctx, conv, state, &p)

	case ev.Type == "response.mcp_list_tools.completed":
		// Internal bookkeeping of the upstream; the in_progress and failed
		// siblings ride the generic lifecycle rows below.
		forward = false

	case ev.Type == "response.content_part.added" || ev.Type == "response.content_part.done":
		// Structural only.

	case strings.HasPrefix(ev.Type, "response.") && strings.HasSuffix(ev.Type, ".in_progress"),
		strings.HasPrefix(ev.Type, "response.") && strings.HasSuffix(ev.Type, ".executing"):
		o.mirrorToolStatus(ctx, conv, state, &p, models.ToolCallInProgress, nil)

	case strings.HasPrefix(ev.Type, "response.") && strings.HasSuffix(ev.Type, ".completed"):
		o.mirrorToolStatus(ctx, conv, state, &p, models.ToolCallCompleted, p.Item)

	case strings.HasPrefix(ev.Type, "response.") && strings.HasSuffix(ev.Type, ".failed"):
		o.mirrorToolStatus(ctx, conv, state, &p, models.ToolCallFailed, p.Item)

	default:
		// Unknown events are forwarded opaquely.
	}

	if forward {
		emit(ClientEvent{Type: ev.Type, Data: ev.Data})
	}
}

func (o *Orchestrator) handleItemAdded(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent) {
	if p.Item == nil {
		return
	}
	switch p.Item.Type {
	case "message":
		outputIndex := 0
		if p.OutputIndex != nil {
			outputIndex = *p.OutputIndex
		}
		os := &outputState{itemID: p.Item.ID, outputIndex: outputIndex}
		state.outputs[outputIndex] = os
		state.byItem[p.Item.ID] = os
		if _, err := o.appendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			ItemID:         &p.Item.ID,
			OutputIndex:    p.OutputIndex,
		}); err != nil {
			o.logger.Warn("Failed to persist pending message", "conversation", conv.ID, "error", err)
		}

	case "function_call":
		tc := state.ensureToolCall(p.Item.ID, models.ToolCallFunction)
		tc.callID = p.Item.CallID
		tc.name = p.Item.Name
		tc.outputIndex = p.OutputIndex
		if p.Item.Arguments != "" {
			tc.args.Reset()
			tc.args.WriteString(p.Item.Arguments)
		}
		o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, nil, nil)

	case "mcp_call", "mcp_approval_request":
		tc := state.ensureToolCall(p.Item.ID, models.ToolCallMCP)
		tc.name = p.Item.Name
		tc.outputIndex = p.OutputIndex
		var detail *string
		if p.Item.Type == "mcp_approval_request" {
			detail = strPtr("awaiting approval")
		}
		serverID := nilIfEmpty(p.Item.ServerLabel)
		o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, detail, serverID)
	}
}

func (o *Orchestrator) handleTextDelta(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent, delta string) {
	outputIndex := 0
	if p.OutputIndex != nil {
		outputIndex = *p.OutputIndex
	}
	os := state.outputs[outputIndex]
	if os == nil {
		os = &outputState{itemID: p.ItemID, outputIndex: outputIndex}
		state.outputs[outputIndex] = os
		if p.ItemID != "" {
			state.byItem[p.ItemID] = os
		}
	}
	if os.finalized {
		return
	}
	os.buf.WriteString(delta)

	itemID := os.itemID
	if itemID == "" {
		itemID = p.ItemID
	}
	if itemID == "" {
		return
	}
	if _, err := o.appendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        os.buf.String(),
		ItemID:         &itemID,
		OutputIndex:    &outputIndex,
	}); err != nil {
		o.logger.Warn("Failed to persist message delta", "conversation", conv.ID, "error", err)
	}
}

func (o *Orchestrator) handleTextDone(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent, text string) {
	outputIndex := 0
	if p.OutputIndex != nil {
		outputIndex = *p.OutputIndex
	}
	os := state.outputs[outputIndex]
	if os == nil {
		os = &outputState{itemID: p.ItemID, outputIndex: outputIndex}
		state.outputs[outputIndex] = os
	}
	if text == "" {
		text = os.buf.String()
	}
	os.finalized = true

	itemID := os.itemID
	if itemID == "" {
		itemID = p.ItemID
	}
	if itemID == "" {
		return
	}
	if _, err := o.appendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        text,
		ItemID:         &itemID,
		OutputIndex:    &outputIndex,
	}); err != nil {
		o.logger.Warn("Failed to persist final message", "conversation", conv.ID, "error", err)
	}
}

func (o *Orchestrator) handleArgumentsDelta(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent) {
	if p.ItemID == "" {
		return
	}
	tc := state.ensureToolCall(p.ItemID, models.ToolCallFunction)
	tc.args.WriteString(p.Delta)

	// Partial argument text is rarely valid JSON; defer the write until it
	// parses so the JSONB column never sees a truncated document.
	if json.Valid([]byte(tc.args.String())) {
		o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, nil, nil)
	}
}

func (o *Orchestrator) handleArgumentsDone(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent) {
	if p.ItemID == "" {
		return
	}
	tc := state.ensureToolCall(p.ItemID, models.ToolCallFunction)
	if p.Arguments != "" {
		tc.frozenArgs = p.Arguments
	} else {
		tc.frozenArgs = tc.args.String()
	}
	o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, nil, nil)

	// The call is executable once its arguments freeze; not every upstream
	// follows with an output_item.done for the item.
	if tc.typ == models.ToolCallFunction && !tc.pending {
		tc.pending = true
		state.pending = append(state.pending, tc)
	}
}

func (o *Orchestrator) handleApprovalRequest(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent, emit func(ClientEvent) bool) {
	requestID := p.ApprovalRequestID
	serverLabel := p.ServerLabel
	toolName := p.Name
	arguments := p.Arguments
	if p.Item != nil {
		if requestID == "" {
			requestID = p.Item.ID
		}
		if serverLabel == "" {
			serverLabel = p.Item.ServerLabel
		}
		if toolName == "" {
			toolName = p.Item.Name
		}
		if arguments == "" {
			arguments = p.Item.Arguments
		}
	}
	if requestID == "" {
		o.logger.Warn("Approval request without an id; dropping", "conversation", conv.ID)
		return
	}

	tc := state.ensureToolCall(requestID, models.ToolCallMCP)
	tc.name = toolName
	if arguments != "" {
		tc.frozenArgs = arguments
	}
	o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, strPtr("awaiting approval"), nilIfEmpty(serverLabel))

	var argsJSON json.RawMessage
	if json.Valid([]byte(arguments)) {
		argsJSON = json.RawMessage(arguments)
	}
	emit(newEvent(EventApprovalRequired, approvalRequiredPayload{
		ApprovalRequestID: requestID,
		ServerLabel:       serverLabel,
		ToolName:          toolName,
		Arguments:         argsJSON,
	}))
}

func (o *Orchestrator) handleItemDone(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent, raw json.RawMessage) {
	if p.Item == nil {
		return
	}
	switch p.Item.Type {
	case "message":
		var text strings.Builder
		for _, part := range p.Item.Content {
			if part.Type == "output_text" || part.Type == "refusal" {
				text.WriteString(part.Text)
			}
		}
		if os := state.byItem[p.Item.ID]; os != nil {
			os.finalized = true
			if text.Len() == 0 {
				text.WriteString(os.buf.String())
			}
		}
		if _, err := o.appendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleAssistant,
			Content:        text.String(),
			RawJSON:        raw,
			ItemID:         &p.Item.ID,
			OutputIndex:    p.OutputIndex,
		}); err != nil {
			o.logger.Warn("Failed to finalize message", "conversation", conv.ID, "error", err)
		}

	case "function_call":
		tc := state.ensureToolCall(p.Item.ID, models.ToolCallFunction)
		tc.callID = firstNonEmpty(p.Item.CallID, tc.callID)
		tc.name = firstNonEmpty(p.Item.Name, tc.name)
		if p.Item.Arguments != "" {
			tc.frozenArgs = p.Item.Arguments
		}
		o.upsertToolCall(ctx, conv, tc, models.ToolCallInProgress, nil, nil)
		if !tc.pending {
			tc.pending = true
			state.pending = append(state.pending, tc)
		}

	case "mcp_call":
		tc := state.ensureToolCall(p.Item.ID, models.ToolCallMCP)
		tc.name = firstNonEmpty(p.Item.Name, tc.name)
		status := models.ToolCallCompleted
		result := p.Item.Output
		if len(p.Item.Error) > 0 && string(p.Item.Error) != "null" {
			status = models.ToolCallFailed
			result = p.Item.Error
		}
		o.upsertToolCallResult(ctx, conv, tc, status, result, nilIfEmpty(p.Item.ServerLabel))
	}
}

// mirrorToolStatus applies generic per-tool lifecycle events to the
// ToolCall row identified by item_id.
func (o *Orchestrator) mirrorToolStatus(ctx context.Context, conv *models.Conversation, state *turnState, p *upstreamEvent, status models.ToolCallStatus, item *itemPayload) {
	itemID := p.ItemID
	if itemID == "" && item != nil {
		itemID = item.ID
	}
	if itemID == "" {
		return
	}
	tc := state.ensureToolCall(itemID, models.ToolCallMCP)
	var result json.RawMessage
	var serverID *string
	if item != nil {
		result = item.Output
		if status == models.ToolCallFailed && len(item.Error) > 0 {
			result = item.Error
		}
		serverID = nilIfEmpty(item.ServerLabel)
	}
	if status == models.ToolCallFailed && len(result) == 0 {
		if msg := eventErrorText(p); msg != "" {
			result, _ = json.Marshal(map[string]string{"error": msg})
		}
	}
	if status.Terminal() {
		o.upsertToolCallResult(ctx, conv, tc, status, result, serverID)
	} else {
		o.upsertToolCall(ctx, conv, tc, status, nil, serverID)
	}
}

// --- function-call execution and follow-up ---

// executeFunctions resolves every pending function call through the MCP
// router and returns the function_call_output items for the follow-up turn.
// A failed call still produces an output item describing the error so the
// model can recover.
func (o *Orchestrator) executeFunctions(ctx context.Context, conv *models.Conversation, state *turnState) []any {
	outputs := make([]any, 0, len(state.pending))
	for _, tc := range state.pending {
		if ctx.Err() != nil {
			return outputs
		}

		var args map[string]any
		if tc.frozenArgs != "" {
			if err := json.Unmarshal([]byte(tc.frozenArgs), &args); err != nil {
				o.logger.Warn("Function call has malformed arguments",
					"conversation", conv.ID, "tool", tc.name, "error", err)
			}
		}

		result, serverID, err := o.router.Route(ctx, tc.name, args)
		var output string
		if err != nil {
			output = fmt.Sprintf("tool execution failed: %s", err.Error())
			errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
			o.upsertToolCallResult(ctx, conv, tc, models.ToolCallFailed, errJSON, nilIfEmpty(serverID))
			o.logger.Warn("Function call failed",
				"conversation", conv.ID, "tool", tc.name, "error", err)
		} else {
			output = mcp.ResultText(result)
			o.upsertToolCallResult(ctx, conv, tc, models.ToolCallCompleted, mcp.ResultJSON(result), nilIfEmpty(serverID))
		}

		outputs = append(outputs, map[string]any{
			"type":    "function_call_output",
			"call_id": tc.callID,
			"output":  output,
		})
	}
	return outputs
}

// followUpPayload builds the next turn's request: the tool outputs as input,
// chained to the finished response. Tool declarations carry over so the
// model may keep calling tools.
func (o *Orchestrator) followUpPayload(prev map[string]any, responseID string, outputs []any) map[string]any {
	payload := map[string]any{
		"model":                prev["model"],
		"previous_response_id": responseID,
		"input":                outputs,
		"stream":               true,
	}
	if tools, ok := prev["tools"]; ok {
		payload["tools"] = tools
	}
	return payload
}

// --- persistence helpers ---

func (o *Orchestrator) persistStatus(ctx context.Context, conversationID int64, status models.ConversationStatus, reason *string) error {
	dbCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return o.store.UpdateConversationStatus(dbCtx, conversationID, status, reason)
}

func (o *Orchestrator) persistResponseID(ctx context.Context, conversationID int64, responseID string) error {
	dbCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return o.store.SetConversationResponseID(dbCtx, conversationID, responseID)
}

func (o *Orchestrator) appendMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	dbCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return o.store.AppendMessage(dbCtx, m)
}

func (o *Orchestrator) upsertToolCall(ctx context.Context, conv *models.Conversation, tc *toolCallState, status models.ToolCallStatus, detail, serverID *string) {
	row := &models.ToolCall{
		ConversationID: conv.ID,
		Type:           tc.typ,
		Name:           nilIfEmpty(tc.name),
		ItemID:         tc.itemID,
		Status:         status,
		StatusDetail:   detail,
		ServerID:       serverID,
		OutputIndex:    tc.outputIndex,
	}
	if tc.frozenArgs != "" && json.Valid([]byte(tc.frozenArgs)) {
		row.ArgumentsJSON = json.RawMessage(tc.frozenArgs)
	} else if buffered := tc.args.String(); buffered != "" && json.Valid([]byte(buffered)) {
		row.ArgumentsJSON = json.RawMessage(buffered)
	}

	dbCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := o.store.UpsertToolCall(dbCtx, row); err != nil {
		o.logger.Warn("Failed to upsert tool call",
			"conversation", conv.ID, "item", tc.itemID, "error", err)
	}
}

func (o *Orchestrator) upsertToolCallResult(ctx context.Context, conv *models.Conversation, tc *toolCallState, status models.ToolCallStatus, result json.RawMessage, serverID *string) {
	row := &models.ToolCall{
		ConversationID: conv.ID,
		Type:           tc.typ,
		Name:           nilIfEmpty(tc.name),
		ItemID:         tc.itemID,
		Status:         status,
		ServerID:       serverID,
		OutputIndex:    tc.outputIndex,
	}
	if len(result) > 0 && json.Valid(result) {
		row.ResultJSON = result
	}
	if tc.frozenArgs != "" && json.Valid([]byte(tc.frozenArgs)) {
		row.ArgumentsJSON = json.RawMessage(tc.frozenArgs)
	}

	dbCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := o.store.UpsertToolCall(dbCtx, row); err != nil {
		o.logger.Warn("Failed to record tool call result",
			"conversation", conv.ID, "item", tc.itemID, "error", err)
	}
}

// --- small helpers ---

func (s *turnState) ensureToolCall(itemID string, typ models.ToolCallType) *toolCallState {
	if tc, ok := s.toolCalls[itemID]; ok {
		return tc
	}
	tc := &toolCallState{itemID: itemID, typ: typ}
	s.toolCalls[itemID] = tc
	return tc
}

// rawItem extracts the item document from an event envelope. Message rows
// store this document, not the envelope around it.
func rawItem(data json.RawMessage) json.RawMessage {
	var env struct {
		Item json.RawMessage `json:"item"`
	}
	if json.Unmarshal(data, &env) != nil {
		return nil
	}
	return env.Item
}

func eventErrorText(p *upstreamEvent) string {
	if p.Error != nil {
		if p.Error.Message != "" {
			return p.Error.Message
		}
		return p.Error.Code
	}
	return p.Message
}

func incompleteReason(r *responsePayload) *string {
	if r == nil {
		return nil
	}
	if r.StatusDetails != nil && r.StatusDetails.Reason != "" {
		return strPtr(r.StatusDetails.Reason)
	}
	if r.IncompleteDetails != nil && r.IncompleteDetails.Reason != "" {
		return strPtr(r.IncompleteDetails.Reason)
	}
	return nil
}

func failureReason(r *responsePayload) string {
	if r == nil || r.Error == nil {
		return "upstream reported failure"
	}
	return fmt.Sprintf("%s: %s", r.Error.Code, r.Error.Message)
}

func strPtr(s string) *string { return &s }

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
