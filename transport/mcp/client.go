package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/livetest/live/content"
	"github.com/wricardo/livetest/live/engine"
	"github.com/wricardo/livetest/live/results"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Live Test",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Live Test - MCP Interface

Read-only view of live classroom test sessions. Sessions are run by teachers
and students over the /ws websocket; these tools let an assistant follow
along and review results.

AVAILABLE TOOLS:
- list_sessions: List sessions, optionally filtered by status
- get_session: Summary and roster of one session by join code
- reap_session: Remove a completed session from the registry
- list_tests: List stored question sets
- get_test: Show a question set, including answers
- list_results: List completed session results
- get_result: Show scores for one completed session
- live_test_instructions: How sessions, connection states and scoring work`),
	)

	c.registerTools()
}

func (c *Client) registerTools() {
	// Sessions
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List live test sessions",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"lobby", "in_progress", "paused", "completed"},
					"description": "Only list sessions in this status",
				},
				"sort": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"created", "code"},
					"description": "Sort key (default created)",
				},
				"order": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"asc", "desc"},
					"description": "Sort order (default desc)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of sessions to return",
				},
			},
		},
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session",
		Description: "Get the summary and roster of a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Join code of the session",
				},
			},
			Required: []string{"code"},
		},
	}, c.handleGetSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "reap_session",
		Description: "Remove a completed session from the registry",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Join code of the completed session",
				},
			},
			Required: []string{"code"},
		},
	}, c.handleReapSession)

	// Question sets
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_tests",
		Description: "List stored question sets",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListTests)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_test",
		Description: "Show a stored question set with its answers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"test_id": map[string]interface{}{
					"type":        "string",
					"description": "Id of the question set",
				},
			},
			Required: []string{"test_id"},
		},
	}, c.handleGetTest)

	// Results
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_results",
		Description: "List results of completed sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListResults)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_result",
		Description: "Show per-participant scores of a completed session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"result_id": map[string]interface{}{
					"type":        "string",
					"description": "Id of the result record",
				},
			},
			Required: []string{"result_id"},
		},
	}, c.handleGetResult)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "live_test_instructions",
		Description: "Explain how live test sessions work",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleInstructions)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	return args
}

// Tool handlers

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	query := url.Values{}
	for _, key := range []string{"status", "sort", "order"} {
		if v, _ := args[key].(string); v != "" {
			query.Set(key, v)
		}
	}
	// JSON numbers arrive as float64.
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		query.Set("limit", strconv.Itoa(int(limit)))
	}

	path := "/api/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var response struct {
		Count    int              `json:"count"`
		Sessions []engine.Summary `json:"sessions"`
	}
	if err := c.apiCall(ctx, "GET", path, nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Sessions (%d):\n\n", response.Count)
	for _, s := range response.Sessions {
		result += fmt.Sprintf("- %s %q [%s] participants=%d connected=%d created=%s\n",
			s.Code, s.Title, s.Status, s.Participants, s.Connected, s.CreatedAt.Format("15:04:05"))
	}

	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, _ := arguments(request)["code"].(string)
	if code == "" {
		return mcp.NewToolResultError("code is required"), nil
	}

	var snap engine.Snapshot
	if err := c.apiCall(ctx, "GET", "/api/sessions/"+url.PathEscape(code), nil, &snap); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSnapshot(&snap)), nil
}

func (c *Client) handleReapSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, _ := arguments(request)["code"].(string)
	if code == "" {
		return mcp.NewToolResultError("code is required"), nil
	}

	var response map[string]string
	if err := c.apiCall(ctx, "DELETE", "/api/sessions/"+url.PathEscape(code), nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(response["message"]), nil
}

func (c *Client) handleListTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tests []content.TestInfo
	if err := c.apiCall(ctx, "GET", "/api/tests", nil, &tests); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := "Available Tests:\n\n"
	for _, t := range tests {
		result += fmt.Sprintf("• %s: %s\n  %d questions, max score %d\n", t.ID, t.Title, t.QuestionCount, t.MaxScore)
		if t.Description != "" {
			result += "  " + t.Description + "\n"
		}
		result += "\n"
	}

	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetTest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := arguments(request)["test_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("test_id is required"), nil
	}

	var test content.Test
	if err := c.apiCall(ctx, "GET", "/api/tests/"+url.PathEscape(id), nil, &test); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatTest(&test)), nil
}

func (c *Client) handleListResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count   int               `json:"count"`
		Results []*results.Record `json:"results"`
	}
	if err := c.apiCall(ctx, "GET", "/api/results", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Results (%d):\n\n", response.Count)
	for _, r := range response.Results {
		result += fmt.Sprintf("- %s session=%s %q reason=%s participants=%d completed=%s\n",
			r.ID, r.Code, r.Title, r.Reason, len(r.Participants), r.CompletedAt.Format("2006-01-02 15:04"))
	}

	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := arguments(request)["result_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("result_id is required"), nil
	}

	var record results.Record
	if err := c.apiCall(ctx, "GET", "/api/results/"+url.PathEscape(id), nil, &record); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatRecord(&record)), nil
}

func (c *Client) handleInstructions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instructions := `Live Test - How it works

SESSION LIFECYCLE:
lobby -> in_progress <-> paused -> completed

• A teacher creates a session from a stored test or inline questions and gets a join code.
• Students join with the code while the session is in the lobby or in progress.
• The teacher starts the test; questions are broadcast one at a time.
• Students answer the current question; resubmitting replaces the answer.
• The teacher advances; advancing past the last question completes the session.
• If the teacher disconnects the session pauses. It resumes when they reconnect
  and completes with reason pause_timeout if they stay away too long.

CONNECTION STATES:
• connected - socket open and heartbeats arriving
• reconnecting - socket open but no heartbeat recently
• disconnected - socket closed, waiting out the absence grace period
• absent - grace period passed; rejoining restores the participant

SCORING:
• multiple_choice / true_false: full points for a case-insensitive match
• weighted_multiple_choice: points of the chosen option
• written: not auto-scored, flagged for review
• Unanswered questions score 0

COMPLETION REASONS:
finished, ended_by_owner, pause_timeout, fault, shutdown`

	return mcp.NewToolResultText(instructions), nil
}

// Formatting helpers

func formatSnapshot(snap *engine.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nTitle: %s\nOwner: %s\nStatus: %s\n", snap.Code, snap.Title, snap.Owner, snap.Status)
	if snap.TestID != "" {
		fmt.Fprintf(&b, "Test: %s\n", snap.TestID)
	}
	if snap.CurrentIndex >= 0 {
		fmt.Fprintf(&b, "Question: %d of %d\n", snap.CurrentIndex+1, snap.QuestionCount)
	} else {
		fmt.Fprintf(&b, "Questions: %d\n", snap.QuestionCount)
	}
	fmt.Fprintf(&b, "Owner connected: %t\n", snap.OwnerConnected)
	if snap.CompletionReason != "" {
		fmt.Fprintf(&b, "Completed: %s\n", snap.CompletionReason)
	}
	fmt.Fprintf(&b, "Created: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "\nRoster (%d):\n", len(snap.Roster))
	for _, p := range snap.Roster {
		fmt.Fprintf(&b, "- %s (%s) %s\n", p.DisplayName, p.Identity, p.State)
	}
	return b.String()
}

func formatTest(test *content.Test) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", test.Title, test.ID)
	if test.Description != "" {
		fmt.Fprintf(&b, "%s\n", test.Description)
	}
	fmt.Fprintf(&b, "Max score: %d\n\n", content.MaxScore(test.Questions))

	for i, q := range test.Questions {
		fmt.Fprintf(&b, "%d. [%s, %d pts] %s\n", i+1, q.Kind(), q.MaxPoints(), q.Prompt)
		if q.Kind() == content.WeightedMultipleChoice {
			for _, opt := range q.WeightedOptions {
				fmt.Fprintf(&b, "   - %s (%d)\n", opt.Option, opt.Points)
			}
			continue
		}
		for _, opt := range q.Choices() {
			fmt.Fprintf(&b, "   - %s\n", opt)
		}
		if q.CorrectAnswer != "" {
			fmt.Fprintf(&b, "   Answer: %s\n", q.CorrectAnswer)
		}
	}
	return b.String()
}

// formatRecord renders a result as a leaderboard, highest score first.
func formatRecord(rec *results.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Result %s\nSession: %s %q\nReason: %s\nCompleted: %s\n\n",
		rec.ID, rec.Code, rec.Title, rec.Reason, rec.CompletedAt.Format("2006-01-02 15:04:05"))

	participants := append(rec.Participants[:0:0], rec.Participants...)
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].Score > participants[j].Score
	})

	for i, p := range participants {
		review := 0
		for _, g := range p.Grades {
			if g.NeedsReview {
				review++
			}
		}
		fmt.Fprintf(&b, "%d. %s (%s): %d/%d", i+1, p.DisplayName, p.Identity, p.Score, p.MaxScore)
		if review > 0 {
			fmt.Fprintf(&b, ", %d to review", review)
		}
		b.WriteString("\n")
	}
	return b.String()
}
