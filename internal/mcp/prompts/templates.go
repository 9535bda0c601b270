package prompts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	restockReportPrompt    = "restock_report"
	catalogueSummaryPrompt = "catalogue_summary"

	defaultRestockThreshold = 5
)

type PromptTemplates struct{}

func NewPromptTemplates() *PromptTemplates {
	return &PromptTemplates{}
}

func (p *PromptTemplates) RestockReportPrompt() mcp.Prompt {
	return mcp.NewPrompt(
		restockReportPrompt,
		mcp.WithPromptDescription("Find books running low on stock and draft a restock list"),
		mcp.WithArgument("threshold", mcp.ArgumentDescription("Stock level at or below which a book needs restocking (default 5)")),
		mcp.WithArgument("genre", mcp.ArgumentDescription("Limit the report to one genre, e.g. FICTION")),
	)
}

func (p *PromptTemplates) CatalogueSummaryPrompt() mcp.Prompt {
	return mcp.NewPrompt(
		catalogueSummaryPrompt,
		mcp.WithPromptDescription("Summarise the catalogue by genre, availability and inventory value"),
		mcp.WithArgument("audience", mcp.ArgumentDescription("Who the summary is for, e.g. store manager")),
	)
}

func (p *PromptTemplates) RestockReportHandler(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	args := request.Params.Arguments
	threshold := defaultRestockThreshold
	if raw := getArgString(args, "threshold"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("threshold must be a non-negative integer")
		}
		threshold = parsed
	}

	scope := "all genres"
	listArgs := `sort_by "stock", sort_direction "asc"`
	if genre := strings.ToUpper(getArgString(args, "genre")); genre != "" {
		scope = "genre " + genre
		listArgs += fmt.Sprintf(`, genre %q`, genre)
	}

	text := fmt.Sprintf("Call list_books with %s and page through the results until stock exceeds %d. "+
		"For %s, list every book with stock at or below %d as: title, author, publisher, current stock. "+
		"Suggest an order quantity for each and flag books marked unavailable.", listArgs, threshold, scope, threshold)

	return &mcp.GetPromptResult{
		Description: "Restock list for low-stock books",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(text),
			},
		},
	}, nil
}

func (p *PromptTemplates) CatalogueSummaryHandler(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	audience := getArgString(request.Params.Arguments, "audience")
	if audience == "" {
		audience = "store staff"
	}

	text := fmt.Sprintf("Call book_stats and write a short catalogue summary for %s. "+
		"Cover the number of titles per genre, how many are available, total stock and inventory value. "+
		"Point out genres with no titles.", audience)

	return &mcp.GetPromptResult{
		Description: "Catalogue summary",
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.NewTextContent(text),
			},
		},
	}, nil
}

func getArgString(args map[string]string, key string) string {
	if args == nil {
		return ""
	}
	return strings.TrimSpace(args[key])
}
