// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes eightd case tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/eightd/internal/apperr"
	"github.com/starford/eightd/internal/caseservice"
	"github.com/starford/eightd/internal/phase"
)

const caseFormatURI = "eightd://case-format"

// Server wraps the MCP server with eightd tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *caseservice.Service
	fetch fetchFunc
}

// New creates a new MCP server with all eightd tools registered.
func New(svc *caseservice.Service) *Server {
	s := &Server{svc: svc, fetch: fetchHTTP}

	s.mcp = server.NewMCPServer(
		"eightd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_cases",
		mcp.WithDescription("Full-text search through the phase data of every case."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchCases)

	s.mcp.AddTool(mcp.NewTool("list_cases",
		mcp.WithDescription("List cases, newest first."),
		mcp.WithString("status", mcp.Description("Optional case status filter (e.g. open)")),
	), s.listCases)

	s.mcp.AddTool(mcp.NewTool("read_case",
		mcp.WithDescription("Read the full JSON document of a case."),
		mcp.WithString("case_number", mcp.Required(), mcp.Description("Case number (e.g. INC-20240131-0007)")),
	), s.readCase)

	s.mcp.AddTool(mcp.NewTool("phase_status",
		mcp.WithDescription("Report the lifecycle status of every 8D phase of a case."),
		mcp.WithString("case_number", mcp.Required(), mcp.Description("Case number")),
	), s.phaseStatus)

	s.mcp.AddTool(mcp.NewTool("list_evidence",
		mcp.WithDescription("List the evidence files attached to a case."),
		mcp.WithString("case_number", mcp.Required(), mcp.Description("Case number")),
	), s.listEvidence)

	s.mcp.AddTool(mcp.NewTool("attach_evidence",
		mcp.WithDescription("Download a file from an http(s) URL or decode a base64 data URI "+
			"and attach it to a case as evidence. Supported formats: png, jpg, jpeg, gif, webp, svg, pdf."),
		mcp.WithString("case_number", mcp.Required(), mcp.Description("Case number")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data: URI of the file")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.attachEvidence)

	s.mcp.AddTool(mcp.NewTool("get_case_contract",
		mcp.WithDescription("Returns the case document contract. "+
			"Call this before interpreting a case document."),
	), s.getCaseContract)

	// Resource: case document contract.
	s.mcp.AddResource(
		mcp.NewResource(caseFormatURI, "Case Document Contract",
			mcp.WithResourceDescription("Structure of the 8D case document and its phase headers."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readCaseFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func notFoundOr(err error, caseNumber string) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("case not found: %s", caseNumber))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *Server) searchCases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.SearchCases(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results), nil
}

func (s *Server) listCases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := ""
	if v, err := req.RequireString("status"); err == nil {
		status = v
	}
	items, total, err := s.svc.ListCases(ctx, 100, 0, status, "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if total == 0 {
		return mcp.NewToolResultText("no cases found"), nil
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.CaseNumber + " " + it.Status
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("case_number")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cur, err := s.svc.LoadCase(ctx, id)
	if err != nil {
		return notFoundOr(err, id), nil
	}
	return jsonResult(cur.Document), nil
}

func (s *Server) phaseStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("case_number")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	statuses, err := s.svc.PhaseStatuses(ctx, id)
	if err != nil {
		return notFoundOr(err, id), nil
	}
	var b strings.Builder
	for _, m := range phase.Phases {
		st := phase.Status(statuses[m.ID])
		if !st.Valid() {
			st = phase.NotStarted
		}
		fmt.Fprintf(&b, "%s %s: %s\n", m.ID, m.Name, st.Display())
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) listEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("case_number")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	files, err := s.svc.ListEvidence(ctx, id)
	if err != nil {
		return notFoundOr(err, id), nil
	}
	return jsonResult(files), nil
}

func (s *Server) getCaseContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(CaseFormatContract), nil
}

func (s *Server) readCaseFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      caseFormatURI,
			MIMEType: "text/markdown",
			Text:     CaseFormatContract,
		},
	}, nil
}
