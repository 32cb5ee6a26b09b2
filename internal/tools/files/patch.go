package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

// ApplyPatchTool applies a structured multi-file patch: a single text block
// bounded by "*** Begin Patch"/"*** End Patch" describing Add/Delete/Update
// file operations. Update hunks are matched by exact context rather than by
// line number, so a hunk is rejected unless it matches exactly one place in
// the target file.
type ApplyPatchTool struct {
	resolver Resolver
}

// NewApplyPatchTool creates an apply_patch tool scoped to the workspace.
func NewApplyPatchTool(cfg Config) *ApplyPatchTool {
	return &ApplyPatchTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a structured patch with Add/Delete/Update file operations across multiple files."
}

func (t *ApplyPatchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"patch": map[string]interface{}{
				"type": "string",
				"description": "Patch text using the structured format beginning with " +
					"'*** Begin Patch' and ending with '*** End Patch'.",
			},
		},
		"required": []string{"patch"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute parses and applies the patch, returning one line per operation
// describing the change made.
func (t *ApplyPatchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	ops, err := parseStructuredPatch(input.Patch)
	if err != nil {
		return toolError("Error: " + err.Error()), nil
	}

	changes, err := t.applyOperations(ops)
	if err != nil {
		return toolError("Error: " + err.Error()), nil
	}

	return &agent.ToolResult{Content: strings.Join(changes, "\n")}, nil
}

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	deletePrefix = "*** Delete File: "
	updatePrefix = "*** Update File: "
	movePrefix   = "*** Move to: "
	endOfFile    = "*** End of File"
)

type operationKind int

const (
	opAdd operationKind = iota
	opDelete
	opUpdate
)

type hunkLine struct {
	kind byte // ' ', '+', or '-'
	text string
}

type patchOperation struct {
	kind     operationKind
	path     string
	addLines []string
	hunks    [][]hunkLine
	moveTo   string
}

// parseStructuredPatch parses the "*** Begin Patch" / "*** End Patch"
// envelope into a list of file operations, in the order they appear.
func parseStructuredPatch(patch string) ([]patchOperation, error) {
	normalized := strings.ReplaceAll(strings.ReplaceAll(patch, "\r\n", "\n"), "\r", "\n")
	lines := strings.Split(normalized, "\n")
	if len(lines) == 0 || lines[0] != beginMarker {
		return nil, fmt.Errorf("patch must start with '%s'", beginMarker)
	}
	if lines[len(lines)-1] != endMarker {
		return nil, fmt.Errorf("patch must end with '%s'", endMarker)
	}

	var ops []patchOperation
	end := len(lines) - 1
	index := 1
	for index < end {
		line := lines[index]
		if strings.TrimSpace(line) == "" {
			index++
			continue
		}

		switch {
		case strings.HasPrefix(line, addPrefix):
			op, next, err := parseAddOperation(lines, index, end)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			index = next

		case strings.HasPrefix(line, deletePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, deletePrefix))
			if path == "" {
				return nil, fmt.Errorf("delete operation requires a file path")
			}
			ops = append(ops, patchOperation{kind: opDelete, path: path})
			index++

		case strings.HasPrefix(line, updatePrefix):
			op, next, err := parseUpdateOperation(lines, index, end)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
			index = next

		default:
			return nil, fmt.Errorf("unknown patch operation line: %q", line)
		}
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("patch contains no operations")
	}
	return ops, nil
}

func parseAddOperation(lines []string, index, end int) (patchOperation, int, error) {
	path := strings.TrimSpace(strings.TrimPrefix(lines[index], addPrefix))
	if path == "" {
		return patchOperation{}, 0, fmt.Errorf("add operation requires a file path")
	}
	index++

	var addLines []string
	for index < end && !strings.HasPrefix(lines[index], "*** ") {
		raw := lines[index]
		if !strings.HasPrefix(raw, "+") {
			return patchOperation{}, 0, fmt.Errorf("add operation for %q expects '+' lines, got: %q", path, raw)
		}
		addLines = append(addLines, raw[1:])
		index++
	}
	if len(addLines) == 0 {
		return patchOperation{}, 0, fmt.Errorf("add operation for %q must include at least one line", path)
	}
	return patchOperation{kind: opAdd, path: path, addLines: addLines}, index, nil
}

func parseUpdateOperation(lines []string, index, end int) (patchOperation, int, error) {
	path := strings.TrimSpace(strings.TrimPrefix(lines[index], updatePrefix))
	if path == "" {
		return patchOperation{}, 0, fmt.Errorf("update operation requires a file path")
	}
	index++

	var moveTo string
	if index < end && strings.HasPrefix(lines[index], movePrefix) {
		moveTo = strings.TrimSpace(strings.TrimPrefix(lines[index], movePrefix))
		if moveTo == "" {
			return patchOperation{}, 0, fmt.Errorf("update operation for %q has an empty move target", path)
		}
		index++
	}

	var hunks [][]hunkLine
	var current []hunkLine
	hasChange := false
	for index < end {
		raw := lines[index]
		if raw == endMarker || strings.HasPrefix(raw, addPrefix) || strings.HasPrefix(raw, deletePrefix) || strings.HasPrefix(raw, updatePrefix) {
			break
		}
		if strings.HasPrefix(raw, "@@") {
			if len(current) > 0 {
				hunks = append(hunks, current)
				current = nil
			}
			index++
			continue
		}
		if raw == endOfFile {
			index++
			continue
		}
		if raw != "" && (raw[0] == ' ' || raw[0] == '+' || raw[0] == '-') {
			current = append(current, hunkLine{kind: raw[0], text: raw[1:]})
			if raw[0] == '+' || raw[0] == '-' {
				hasChange = true
			}
			index++
			continue
		}
		return patchOperation{}, 0, fmt.Errorf("update operation for %q has invalid hunk line: %q", path, raw)
	}
	if len(current) > 0 {
		hunks = append(hunks, current)
	}
	if len(hunks) == 0 && moveTo == "" {
		return patchOperation{}, 0, fmt.Errorf("update operation for %q has no hunks", path)
	}
	if len(hunks) > 0 && !hasChange {
		return patchOperation{}, 0, fmt.Errorf("update operation for %q has no changes", path)
	}
	return patchOperation{kind: opUpdate, path: path, hunks: hunks, moveTo: moveTo}, index, nil
}

func (t *ApplyPatchTool) applyOperations(ops []patchOperation) ([]string, error) {
	changes := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			resolved, err := t.resolver.Resolve(op.path)
			if err != nil {
				return nil, err
			}
			if _, err := os.Stat(resolved); err == nil {
				return nil, fmt.Errorf("cannot add %q: target already exists", op.path)
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, fmt.Errorf("create parent directories for %q: %w", op.path, err)
			}
			if err := os.WriteFile(resolved, []byte(strings.Join(op.addLines, "\n")), 0o644); err != nil {
				return nil, fmt.Errorf("write %q: %w", op.path, err)
			}
			changes = append(changes, fmt.Sprintf("Added %s", op.path))

		case opDelete:
			resolved, err := t.resolver.Resolve(op.path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return nil, fmt.Errorf("cannot delete %q: file does not exist", op.path)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("cannot delete %q: not a file", op.path)
			}
			if err := os.Remove(resolved); err != nil {
				return nil, fmt.Errorf("delete %q: %w", op.path, err)
			}
			changes = append(changes, fmt.Sprintf("Deleted %s", op.path))

		case opUpdate:
			change, err := t.applyUpdate(op)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
		}
	}
	return changes, nil
}

func (t *ApplyPatchTool) applyUpdate(op patchOperation) (string, error) {
	source, err := t.resolver.Resolve(op.path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("cannot update %q: file does not exist", op.path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("cannot update %q: not a file", op.path)
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", op.path, err)
	}

	trailingNewline := strings.HasSuffix(string(content), "\n")
	lines := splitLines(string(content))
	for _, hunk := range op.hunks {
		lines, err = applyHunk(lines, hunk, op.path)
		if err != nil {
			return "", err
		}
	}
	updated := joinLines(lines, trailingNewline)

	target := source
	displayTarget := op.path
	if op.moveTo != "" {
		target, err = t.resolver.Resolve(op.moveTo)
		if err != nil {
			return "", err
		}
		if target != source {
			if _, err := os.Stat(target); err == nil {
				return "", fmt.Errorf("cannot move %q to %q: target exists", op.path, op.moveTo)
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create parent directories for %q: %w", op.moveTo, err)
		}
		displayTarget = op.path + " -> " + op.moveTo
	}

	if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("write %q: %w", displayTarget, err)
	}
	if op.moveTo != "" && target != source {
		if err := os.Remove(source); err != nil {
			return "", fmt.Errorf("remove original %q after move: %w", op.path, err)
		}
	}
	return fmt.Sprintf("Updated %s", displayTarget), nil
}

// applyHunk finds the unique place in lines where hunk's context+removed
// lines match exactly, and splices in the context+added lines there. Zero
// matches or more than one match is rejected rather than guessed at.
func applyHunk(lines []string, hunk []hunkLine, displayPath string) ([]string, error) {
	var oldLines, newLines []string
	hasChange := false
	for _, entry := range hunk {
		if entry.kind == ' ' || entry.kind == '-' {
			oldLines = append(oldLines, entry.text)
		}
		if entry.kind == ' ' || entry.kind == '+' {
			newLines = append(newLines, entry.text)
		}
		if entry.kind == '+' || entry.kind == '-' {
			hasChange = true
		}
	}
	if !hasChange {
		return nil, fmt.Errorf("hunk for %q has no changes", displayPath)
	}
	if len(oldLines) == 0 {
		return nil, fmt.Errorf("hunk for %q has no match context; include context or removed lines", displayPath)
	}

	width := len(oldLines)
	matchAt := -1
	for i := 0; i+width <= len(lines); i++ {
		if linesEqual(lines[i:i+width], oldLines) {
			if matchAt >= 0 {
				return nil, fmt.Errorf("hunk matched multiple regions in %q; add more context", displayPath)
			}
			matchAt = i
		}
	}
	if matchAt < 0 {
		return nil, fmt.Errorf("hunk did not match target file %q", displayPath)
	}

	out := make([]string, 0, len(lines)-width+len(newLines))
	out = append(out, lines[:matchAt]...)
	out = append(out, newLines...)
	out = append(out, lines[matchAt+width:]...)
	return out, nil
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(content, "\n")
	return strings.Split(trimmed, "\n")
}

func joinLines(lines []string, trailingNewline bool) string {
	result := strings.Join(lines, "\n")
	if trailingNewline && len(lines) > 0 {
		result += "\n"
	}
	return result
}
