package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/martin/aria/pkg/tool"
)

// DelegationToolName is the reserved tool the orchestrator intercepts
// before any handler runs. The registered handler below only fires when
// the engine is miswired.
const DelegationToolName = "delegate_task"

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string
	NotesDir      string
}

// Register registers the baseline assistant tools.
func Register(registry *tool.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.NotesDir == "" {
		opts.NotesDir = filepath.Join(opts.WorkspaceRoot, "notes")
	}

	tools := []tool.Contract{
		currentTimeTool(),
		saveNoteTool(opts),
		searchNotesTool(opts),
		delegateTaskTool(),
		readFileTool(opts),
		writeFileTool(opts),
		listDirectoryTool(opts),
	}

	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", t.Name, err)
		}
	}
	return nil
}

func currentTimeTool() tool.Contract {
	return tool.Contract{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Capability:  "time",
		Parameters: []tool.Parameter{
			{Name: "tz", Type: "string", Description: "IANA timezone name (default local)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			now := time.Now()
			if tz, ok := args["tz"].(string); ok && tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
				}
				now = now.In(loc)
			}
			return map[string]interface{}{
				"iso":      now.Format(time.RFC3339),
				"unix":     now.Unix(),
				"weekday":  now.Weekday().String(),
				"timezone": now.Location().String(),
			}, nil
		},
	}
}

func saveNoteTool(opts Options) tool.Contract {
	return tool.Contract{
		Name:        "save_note",
		Description: "Save a note to the assistant's notebook for later retrieval.",
		Capability:  "notes",
		Parameters: []tool.Parameter{
			{Name: "title", Type: "string", Description: "Short note title", Required: true},
			{Name: "content", Type: "string", Description: "Note body", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			title, _ := args["title"].(string)
			content, _ := args["content"].(string)
			if strings.TrimSpace(title) == "" {
				return nil, fmt.Errorf("title is required")
			}

			if err := os.MkdirAll(opts.NotesDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create notes directory: %w", err)
			}

			name := fmt.Sprintf("%s-%s.md", time.Now().Format("20060102-150405"), slugify(title))
			path := filepath.Join(opts.NotesDir, name)

			body := fmt.Sprintf("# %s\n\n%s\n", title, content)
			if err := os.WriteFile(path, []byte(body), 0644); err != nil {
				return nil, fmt.Errorf("failed to write note: %w", err)
			}

			return map[string]interface{}{"saved": name}, nil
		},
	}
}

func searchNotesTool(opts Options) tool.Contract {
	return tool.Contract{
		Name:        "search_notes",
		Description: "Search saved notes by keyword and return matching excerpts.",
		Capability:  "notes",
		Parameters: []tool.Parameter{
			{Name: "query", Type: "string", Description: "Keyword to search for", Required: true},
			{Name: "limit", Type: "number", Description: "Maximum results (default 5)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			limit := 5
			if n, ok := args["limit"].(float64); ok && n > 0 {
				limit = int(n)
			}

			entries, err := os.ReadDir(opts.NotesDir)
			if err != nil {
				if os.IsNotExist(err) {
					return map[string]interface{}{"matches": []interface{}{}}, nil
				}
				return nil, fmt.Errorf("failed to read notes directory: %w", err)
			}

			needle := strings.ToLower(query)
			var matches []map[string]interface{}
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
					continue
				}
				data, err := os.ReadFile(filepath.Join(opts.NotesDir, entry.Name()))
				if err != nil {
					continue
				}
				text := string(data)
				idx := strings.Index(strings.ToLower(text), needle)
				if idx < 0 {
					continue
				}
				matches = append(matches, map[string]interface{}{
					"note":    entry.Name(),
					"excerpt": excerpt(text, idx),
				})
				if len(matches) >= limit {
					break
				}
			}

			return map[string]interface{}{"matches": matches}, nil
		},
	}
}

func delegateTaskTool() tool.Contract {
	return tool.Contract{
		Name: DelegationToolName,
		Description: "Delegate a self-contained task to a specialist sub-agent. " +
			"The sub-agent works in isolation and reports back when done.",
		Capability: "delegation",
		Parameters: []tool.Parameter{
			{Name: "role", Type: "string", Description: "Specialist role: researcher, coder, analyst, writer or home", Required: true},
			{Name: "instructions", Type: "string", Description: "Complete, self-contained task instructions", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			// Reached only when no spawner is wired into the engine
			return nil, fmt.Errorf("delegation is not available")
		},
	}
}

func readFileTool(opts Options) tool.Contract {
	return tool.Contract{
		Name:        "read_file",
		Description: "Read a text file from the assistant workspace.",
		Capability:  "filesystem",
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, err := resolveWorkspacePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
			return map[string]interface{}{"content": string(data)}, nil
		},
	}
}

func writeFileTool(opts Options) tool.Contract {
	return tool.Contract{
		Name:        "write_file",
		Description: "Write a text file inside the assistant workspace.",
		Capability:  "filesystem",
		Exclusive:   true,
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, err := resolveWorkspacePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}
			return map[string]interface{}{"written": len(content)}, nil
		},
	}
}

func listDirectoryTool(opts Options) tool.Contract {
	return tool.Contract{
		Name:        "list_directory",
		Description: "List the entries of a directory inside the assistant workspace.",
		Capability:  "filesystem",
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root (default .)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			raw := args["path"]
			if raw == nil || raw == "" {
				raw = "."
			}
			path, err := resolveWorkspacePath(opts.WorkspaceRoot, raw)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("failed to list directory: %w", err)
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]interface{}{"entries": names}, nil
		},
	}
}

// resolveWorkspacePath confines a caller-supplied path to the workspace
// root.
func resolveWorkspacePath(root string, raw interface{}) (string, error) {
	rel, _ := raw.(string)
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}

	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace: %s", rel)
	}
	return abs, nil
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 48 {
		slug = slug[:48]
	}
	if slug == "" {
		slug = "note"
	}
	return slug
}

// excerpt returns a short window of text around a match position
func excerpt(text string, idx int) string {
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + 120
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text[start:end], "\n", " "))
}
