// engram-mcp exposes the engram memory vault as an MCP stdio server.
//
// Environment variables:
//
//	ENGRAM_DB_PATH   — SQLite database path (default: ./data/engram.db)
//	ENGRAM_OWNER     — vault owner id (default: default)
//	GEMINI_API_KEY   — enables LLM-backed synthesis, contradiction detection,
//	                   and ask() answers; without it those fall back to
//	                   rule-based behavior
//	GEMINI_MODEL     — completion model (default: gemini-2.0-flash)
//
// Embeddings come from a local Ollama instance serving nomic-embed-text; the
// embedding model is not configurable through the environment.
//
// Usage:
//
//	go install github.com/goblincore/engram/cmd/engram-mcp
//	engram-mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	engram "github.com/goblincore/engram"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	dbPath := os.Getenv("ENGRAM_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/engram.db"
	}
	owner := os.Getenv("ENGRAM_OWNER")
	if owner == "" {
		owner = "default"
	}

	cfg := engram.VaultConfig{
		Owner:  owner,
		DBPath: dbPath,
	}

	vault, err := engram.Open(cfg)
	if err != nil {
		log.Fatalf("engram open: %v", err)
	}
	defer vault.Close()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "engram-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remember",
		Description: "Store a new observation in the vault. Auto-extracts entities, topics, type, and status.",
	}, rememberHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall",
		Description: "Run the multi-signal recall pipeline: vector, entity, and topic seeding with optional spreading activation.",
	}, recallHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Recall relevant memories and synthesize a source-attributed answer.",
	}, askHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "briefing",
		Description: "Get a structured situational summary: pending commitments, recent activity, top entities.",
	}, briefingHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "surface",
		Description: "Recall with a novelty bias, surfacing relevant context not recently accessed.",
	}, surfaceHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "consolidate",
		Description: "Run one consolidation cycle: cluster similar memories, synthesize summaries, detect contradictions.",
	}, consolidateHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "alerts",
		Description: "List overdue pending commitments and unresolved contradictions.",
	}, alertsHandler(vault))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forget",
		Description: "Archive or permanently delete a memory by id.",
	}, forgetHandler(vault))

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("engram-mcp: %v", err)
	}
}

// --- Input types ---

type rememberInput struct {
	Content  string   `json:"content"            jsonschema:"The observation to record"`
	Type     string   `json:"type,omitempty"     jsonschema:"Override the inferred type: episodic, semantic, procedural"`
	Status   string   `json:"status,omitempty"   jsonschema:"Override the inferred status: active, pending, fulfilled"`
	Entities []string `json:"entities,omitempty" jsonschema:"Additional entities to associate beyond what auto-extraction finds"`
	Topics   []string `json:"topics,omitempty"   jsonschema:"Additional topics to associate"`
	PrevID   string   `json:"prev_id,omitempty"  jsonschema:"Id of the chronologically preceding memory, to link temporal-next"`
}

type recallInput struct {
	Context string   `json:"context"           jsonschema:"Free-text context to search against"`
	Entities []string `json:"entities,omitempty" jsonschema:"Entity names to seed recall from"`
	Topics   []string `json:"topics,omitempty"   jsonschema:"Topic keywords to seed recall from"`
	Limit    int      `json:"limit,omitempty"    jsonschema:"Max results to return (default 10)"`
	Spread   bool     `json:"spread,omitempty"   jsonschema:"Enable spreading activation over the memory graph"`
}

type askInput struct {
	Question string `json:"question"         jsonschema:"The question to answer from vault contents"`
	Limit    int    `json:"limit,omitempty"  jsonschema:"Max cited memories (default 5)"`
}

type briefingInput struct {
	Context string `json:"context,omitempty" jsonschema:"Optional context to focus the briefing's recalled facts"`
	Limit   int    `json:"limit,omitempty"   jsonschema:"Max items per section (default 10)"`
}

type surfaceInput struct {
	Context        string   `json:"context,omitempty"         jsonschema:"Current conversational context"`
	ActiveEntities []string `json:"active_entities,omitempty" jsonschema:"Entities currently in focus"`
	ActiveTopics   []string `json:"active_topics,omitempty"   jsonschema:"Topics currently in focus"`
	Limit          int      `json:"limit,omitempty"           jsonschema:"Max results (default 10)"`
}

type alertsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Max alerts to return (default 20)"`
}

type forgetInput struct {
	ID   string `json:"id"             jsonschema:"Memory id to remove"`
	Hard bool   `json:"hard,omitempty" jsonschema:"Permanently delete instead of archiving"`
}

// --- Handlers ---

func rememberHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, rememberInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input rememberInput) (*mcp.CallToolResult, any, error) {
		opts := engram.RememberOptions{
			Type:     engram.Type(input.Type),
			Status:   engram.Status(input.Status),
			Entities: input.Entities,
			Topics:   input.Topics,
		}
		m, err := v.Remember(ctx, input.Content, opts, input.PrevID)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(memoryToMap(m))), nil, nil
	}
}

func recallHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, recallInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input recallInput) (*mcp.CallToolResult, any, error) {
		results, err := v.Recall(ctx, engram.RecallQuery{
			Context:  input.Context,
			Entities: input.Entities,
			Topics:   input.Topics,
			Limit:    input.Limit,
			Spread:   input.Spread,
		})
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		out := make([]map[string]any, len(results))
		for i, r := range results {
			m := memoryToMap(r.Memory)
			m["score"] = r.Score
			m["similarity"] = r.Similarity
			out[i] = m
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func askHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, askInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input askInput) (*mcp.CallToolResult, any, error) {
		answer, err := v.Ask(ctx, input.Question, input.Limit)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		citations := make([]map[string]any, len(answer.Citations))
		for i, c := range answer.Citations {
			citations[i] = memoryToMap(c.Memory)
		}
		return textResult(jsonString(map[string]any{
			"answer":     answer.Text,
			"confidence": answer.Confidence,
			"citations":  citations,
		})), nil, nil
	}
}

func briefingHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, briefingInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input briefingInput) (*mcp.CallToolResult, any, error) {
		b, err := v.Briefing(ctx, input.Context, input.Limit)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		commitments := make([]map[string]any, len(b.ActiveCommitments))
		for i, m := range b.ActiveCommitments {
			commitments[i] = memoryToMap(m)
		}
		recent := make([]map[string]any, len(b.RecentActivity))
		for i, m := range b.RecentActivity {
			recent[i] = memoryToMap(m)
		}
		entities := make([]string, len(b.TopEntities))
		for i, e := range b.TopEntities {
			entities[i] = e.Name
		}
		return textResult(jsonString(map[string]any{
			"summary":            b.Summary,
			"active_commitments": commitments,
			"recent_activity":    recent,
			"top_entities":       entities,
		})), nil, nil
	}
}

func surfaceHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, surfaceInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input surfaceInput) (*mcp.CallToolResult, any, error) {
		results, err := v.Surface(ctx, input.Context, input.ActiveEntities, input.ActiveTopics, input.Limit)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		out := make([]map[string]any, len(results))
		for i, r := range results {
			m := memoryToMap(r.Memory)
			m["reason"] = r.Reason
			out[i] = m
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func consolidateHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, any, error) {
		stats, err := v.Consolidate(ctx)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(stats)), nil, nil
	}
}

func alertsHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, alertsInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input alertsInput) (*mcp.CallToolResult, any, error) {
		alerts, err := v.Alerts(ctx, input.Limit)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		out := make([]map[string]any, len(alerts))
		for i, a := range alerts {
			out[i] = map[string]any{
				"kind":   a.Kind,
				"detail": a.Detail,
				"memory": memoryToMap(a.Memory),
			}
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func forgetHandler(v *engram.Vault) func(context.Context, *mcp.CallToolRequest, forgetInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input forgetInput) (*mcp.CallToolResult, any, error) {
		if err := v.Forget(input.ID, input.Hard); err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(`{"status": "ok"}`), nil, nil
	}
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func memoryToMap(m engram.Memory) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"content":    m.Content,
		"type":       m.Type,
		"status":     m.Status,
		"salience":   m.Salience,
		"entities":   m.Entities,
		"topics":     m.Topics,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
