package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline   *pipeline.Pipeline
	Training   *training.Loop
	Store      *storage.Store
	Dictionary Definer
}

// NewMCPServer creates an MCP server exposing classification, results,
// label confirmation and definitions as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fruitlens",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("fruitlens identifies fruit in photos, defines the fruit, and collects corrected labels for retraining."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("classify_image",
			mcp.WithDescription("Classify a fruit photo. Returns the label, confidence, model version and a short definition."),
			mcp.WithString("image", mcp.Description("JPEG, PNG or GIF as a data URI or base64"), mcp.Required()),
		),
		mcpClassifyImage(deps),
	)

	s.AddTool(
		mcp.NewTool("get_result",
			mcp.WithDescription("Get the status, classification and latest confirmed label of a submission."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
		),
		mcpGetResult(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_label",
			mcp.WithDescription("Record the correct fruit for a submission so it can be used for retraining."),
			mcp.WithString("id", mcp.Description("Submission id"), mcp.Required()),
			mcp.WithString("label", mcp.Description("Correct fruit name, e.g. banana"), mcp.Required()),
		),
		mcpConfirmLabel(deps),
	)

	s.AddTool(
		mcp.NewTool("define_fruit",
			mcp.WithDescription("Look up a dictionary definition of a fruit."),
			mcp.WithString("term", mcp.Description("Fruit name"), mcp.Required()),
		),
		mcpDefineFruit(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"fruitlens://recent",
			"Recent Submissions",
			mcp.WithResourceDescription("Last 10 submissions with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpClassifyImage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		encoded, err := req.RequireString("image")
		if err != nil {
			return mcpError("image is required"), nil
		}
		img, err := decodeDataURI(encoded)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		out, err := deps.Pipeline.Submit(ctx, img, storage.PurposeClassify, "")
		if err != nil {
			if out.Submission.ID != "" {
				return mcpError(fmt.Sprintf("classification of %s failed: %v", out.Submission.ID, err)), nil
			}
			return mcpError(fmt.Sprintf("classification failed: %v", err)), nil
		}
		return mcpJSON(out)
	}
}

func mcpGetResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		out, err := deps.Pipeline.GetResult(ctx, id)
		if err != nil && !errors.Is(err, pipeline.ErrInferenceUnavailable) {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(out)
	}
}

func mcpConfirmLabel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		label, err := req.RequireString("label")
		if err != nil {
			return mcpError("label is required"), nil
		}

		sample, err := deps.Training.ConfirmLabel(ctx, id, label)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to confirm label: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Recorded %s as %s (sample %s)", id, sample.ConfirmedLabel, sample.ID)), nil
	}
}

func mcpDefineFruit(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		term, err := req.RequireString("term")
		if err != nil {
			return mcpError("term is required"), nil
		}

		entry, err := deps.Dictionary.Define(ctx, term)
		if err != nil {
			return mcpError(fmt.Sprintf("no definition for %q: %v", term, err)), nil
		}
		return mcpText(entry.Definition), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		subs, err := deps.Store.ListSubmissions("", 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list submissions: %w", err)
		}

		type submissionSummary struct {
			ID          string  `json:"id"`
			SubmittedAt string  `json:"submitted_at"`
			Purpose     string  `json:"purpose"`
			Status      string  `json:"status"`
			Label       string  `json:"label,omitempty"`
			Confidence  float64 `json:"confidence,omitempty"`
		}

		summaries := make([]submissionSummary, len(subs))
		for i, sub := range subs {
			summaries[i] = submissionSummary{
				ID:          sub.ID,
				SubmittedAt: sub.SubmittedAt.Format(time.RFC3339),
				Purpose:     string(sub.Purpose),
				Status:      string(sub.Status),
			}
			if sub.Status == storage.StatusClassified {
				if r, err := deps.Store.GetClassification(sub.ID); err == nil {
					summaries[i].Label = r.Label
					summaries[i].Confidence = r.Confidence
				}
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal submissions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
