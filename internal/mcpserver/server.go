// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes kioku's player and note-store tools for LLM integration via
// stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kioku/internal/apperr"
	"github.com/starford/kioku/internal/player"
	"github.com/starford/kioku/internal/settings"
)

// FieldMappingURI is the resource holding the mapping contract.
const FieldMappingURI = "kioku://field-mapping"

// DeckLister lists the note store's decks.
type DeckLister interface {
	DeckNames(ctx context.Context) ([]string, error)
}

// Server wraps the MCP server with kioku tools.
type Server struct {
	mcp      *server.MCPServer
	player   *player.Player
	decks    DeckLister
	settings *settings.Service
}

// New creates a new MCP server with all kioku tools registered.
func New(p *player.Player, decks DeckLister, svc *settings.Service) *Server {
	s := &Server{player: p, decks: decks, settings: svc}

	s.mcp = server.NewMCPServer(
		"Kioku",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("active_cue",
		mcp.WithDescription("Return the subtitle cue displayed at a playhead position, or null in a gap."),
		mcp.WithNumber("t", mcp.Required(), mcp.Description("Playhead position in seconds")),
	), s.activeCue)

	s.mcp.AddTool(mcp.NewTool("list_cues",
		mcp.WithDescription("List every cue of the loaded track with the current offset applied."),
	), s.listCues)

	s.mcp.AddTool(mcp.NewTool("adjust_offset",
		mcp.WithDescription("Shift all cues by a signed number of milliseconds. Returns the total offset."),
		mcp.WithNumber("delta_ms", mcp.Required(), mcp.Description("Milliseconds to add; negative shows subtitles earlier")),
	), s.adjustOffset)

	s.mcp.AddTool(mcp.NewTool("reset_offset",
		mcp.WithDescription("Restore the track's parsed timestamps."),
	), s.resetOffset)

	s.mcp.AddTool(mcp.NewTool("timer_status",
		mcp.WithDescription("Return the study timer state and accrued seconds."),
	), s.timerStatus)

	s.mcp.AddTool(mcp.NewTool("list_decks",
		mcp.WithDescription("List the decks of the connected note store."),
	), s.listDecks)

	s.mcp.AddTool(mcp.NewTool("card_mapping_contract",
		mcp.WithDescription("Returns how mined cues become notes: the app fields and the configured "+
			"mapping onto note fields. Read this before suggesting settings changes."),
	), s.cardMappingContract)

	s.mcp.AddTool(mcp.NewTool("load_subtitles",
		mcp.WithDescription("Load a subtitle track (.srt, .vtt, .ass, .ssa) from a local path, "+
			"an http(s) URL or a base64 data URI."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Path, URL or data URI")),
		mcp.WithString("name", mcp.Description("File name used as format hint")),
	), s.loadSubtitles)

	s.mcp.AddResource(
		mcp.NewResource(FieldMappingURI, "Field Mapping Contract",
			mcp.WithResourceDescription("App fields, the configured note-field mapping and how each value is rendered."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFieldMappingResource,
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

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(apperr.Message(err))
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) activeCue(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := req.RequireFloat("t")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cue, ok, err := s.player.ActiveCue(t)
	if err != nil {
		return toolError(err), nil
	}
	if !ok {
		return mcp.NewToolResultText("null"), nil
	}
	return jsonResult(cue), nil
}

func (s *Server) listCues(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cues, err := s.player.Cues()
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(cues), nil
}

func (s *Server) adjustOffset(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	delta, err := req.RequireFloat("delta_ms")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	total, err := s.player.AdjustOffset(int(delta))
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("offset: %d ms", total)), nil
}

func (s *Server) resetOffset(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.player.ResetOffset(); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText("offset: 0 ms"), nil
}

func (s *Server) timerStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.player.TimerStatus()), nil
}

func (s *Server) listDecks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decks, err := s.decks.DeckNames(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(decks), nil
}

func (s *Server) cardMappingContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.mappingContract()), nil
}

func (s *Server) readFieldMappingResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      FieldMappingURI,
			MIMEType: "text/markdown",
			Text:     s.mappingContract(),
		},
	}, nil
}
