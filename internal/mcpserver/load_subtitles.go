package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const maxSubtitleSize = 10 << 20 // 10 MB

var (
	allowedExtensions = map[string]bool{
		".srt": true, ".vtt": true, ".ass": true, ".ssa": true,
	}

	mimeToExt = map[string]string{
		"application/x-subrip": ".srt",
		"text/srt":             ".srt",
		"text/vtt":             ".vtt",
		"text/x-ssa":           ".ass",
		"text/x-ass":           ".ass",
	}

	safeFilenameRe = regexp.MustCompile(`[^\p{L}\p{N}._-]`)
)

func (s *Server) loadSubtitles(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name := req.GetString("name", "")

	if !strings.HasPrefix(source, "data:") && !strings.Contains(source, "://") {
		tr, err := s.player.LoadSubtitleFile(source)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(tr), nil
	}

	var (
		data        []byte
		detectedExt string
	)
	if strings.HasPrefix(source, "data:") {
		data, detectedExt, err = decodeDataURI(source)
	} else {
		data, detectedExt, err = fetchHTTP(source)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(data) > maxSubtitleSize {
		return mcp.NewToolResultError(fmt.Sprintf("file too large: %d bytes (max %d)", len(data), maxSubtitleSize)), nil
	}
	if !utf8.Valid(data) {
		return mcp.NewToolResultError("subtitle content is not UTF-8 text"), nil
	}

	if name == "" {
		name = filenameFromURL(source, detectedExt)
	}
	name = sanitizeFilename(name)
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && !allowedExtensions[ext] {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported file extension: %s (allowed: srt, vtt, ass, ssa)", ext)), nil
	}

	tr, err := s.player.LoadSubtitles(data, name)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(tr), nil
}

// decodeDataURI parses a data:[<mediatype>][;base64],<data> URI.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	commaIdx := strings.Index(rest, ",")
	if commaIdx < 0 {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}

	meta := rest[:commaIdx]
	encoded := rest[commaIdx+1:]

	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	mime := strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0]
	return data, mimeToExt[mime], nil
}

// fetchHTTP downloads a file from an HTTP/HTTPS URL with security checks.
func fetchHTTP(rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}

	if err := checkBlockedHost(parsed.Hostname()); err != nil {
		return nil, "", err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}

	resp, err := client.Get(rawURL) //nolint:noctx
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSubtitleSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxSubtitleSize {
		return nil, "", fmt.Errorf("file too large: exceeds %d bytes", maxSubtitleSize)
	}

	ct := resp.Header.Get("Content-Type")
	return data, mimeToExt[strings.Split(ct, ";")[0]], nil
}

// checkBlockedHost rejects loopback and cloud metadata addresses.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // let http.Client handle DNS failures
		}
		ip = ips[0]
	}

	if ip.IsLoopback() {
		return fmt.Errorf("blocked host: loopback address %s", host)
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}

// filenameFromURL takes the last path element of the URL, falling back to
// a random name with the detected extension.
func filenameFromURL(rawURL string, fallbackExt string) string {
	if !strings.HasPrefix(rawURL, "data:") {
		if parsed, err := url.Parse(rawURL); err == nil {
			base := path.Base(parsed.Path)
			if base != "" && base != "." && base != "/" && strings.Contains(base, ".") {
				return base
			}
		}
	}
	return uuid.New().String() + fallbackExt
}

// sanitizeFilename strips path separators and unsafe characters.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = safeFilenameRe.ReplaceAllString(name, "_")
	if name == "" || name == "." {
		name = uuid.New().String()
	}
	return name
}
