package context

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Identity describes the agent's static self-presentation: who it is and
// how it should behave, independent of any one conversation.
type Identity struct {
	Name    string
	Persona string
}

// MemoryProvider supplies a block of long-term memory to fold into the
// static system prompt. Implementations are expected to be cheap; the
// result is cached alongside the rest of the static prompt.
type MemoryProvider interface {
	MemoryContext(ctx context.Context) (string, error)
}

// SkillCatalog supplies the always-loaded skill bodies and a catalog
// summary of the remainder, mirroring how a human operator would brief
// an assistant on its available tools before the conversation begins.
type SkillCatalog interface {
	AlwaysLoaded() []string
	CatalogSummary() string
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Workspace      string
	Identity       Identity
	BootstrapFiles []string // relative to Workspace; "BOOTSTRAP.md" sorts first if present
}

// Builder assembles the message list the dialog loop sends to the
// provider for one turn: a cacheable static system prompt, a small
// per-turn dynamic system message, session history, and the current
// user turn.
//
// The static prompt is built once and memoized so repeated turns within
// a session (and, for providers that support prompt caching, repeated
// turns across sessions sharing a workspace) reuse the identical text.
type Builder struct {
	cfg    BuilderConfig
	memory MemoryProvider
	skills SkillCatalog

	mu       sync.RWMutex
	built    bool
	static   string
	buildErr error

	watcher *fsnotify.Watcher
}

// NewBuilder constructs a Builder. memory and skills may be nil, in
// which case those sections of the static prompt are omitted.
func NewBuilder(cfg BuilderConfig, memory MemoryProvider, skills SkillCatalog) *Builder {
	return &Builder{cfg: cfg, memory: memory, skills: skills}
}

// StaticSystemPrompt returns the cacheable portion of the system prompt,
// building and memoizing it on first call. The memo is invalidated by
// Watch whenever a bootstrap file changes on disk.
func (b *Builder) StaticSystemPrompt(ctx context.Context) (string, error) {
	b.mu.RLock()
	if b.built {
		static, err := b.static, b.buildErr
		b.mu.RUnlock()
		return static, err
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.built {
		b.static, b.buildErr = b.buildStatic(ctx)
		b.built = true
	}
	return b.static, b.buildErr
}

// invalidate forces the next StaticSystemPrompt call to rebuild.
func (b *Builder) invalidate() {
	b.mu.Lock()
	b.built = false
	b.mu.Unlock()
}

// Watch starts an fsnotify watch on the workspace directory and
// invalidates the memoized static prompt whenever a configured
// bootstrap file is created, written, removed, or renamed. It runs
// until ctx is cancelled or Close is called; call it at most once per
// Builder.
func (b *Builder) Watch(ctx context.Context, logger *slog.Logger) error {
	if b.cfg.Workspace == "" || len(b.cfg.BootstrapFiles) == 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("context: create bootstrap file watcher: %w", err)
	}
	if err := watcher.Add(b.cfg.Workspace); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("context: watch workspace %s: %w", b.cfg.Workspace, err)
	}
	b.watcher = watcher

	watched := make(map[string]bool, len(b.cfg.BootstrapFiles))
	for _, f := range b.cfg.BootstrapFiles {
		watched[filepath.Clean(filepath.Join(b.cfg.Workspace, f))] = true
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if watched[filepath.Clean(event.Name)] {
					b.invalidate()
					if logger != nil {
						logger.Debug("bootstrap file changed, static prompt invalidated", "file", event.Name, "op", event.Op.String())
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("bootstrap file watcher error", "error", werr)
				}
			}
		}
	}()
	return nil
}

// Close stops the bootstrap file watcher, if one was started.
func (b *Builder) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

func (b *Builder) buildStatic(ctx context.Context) (string, error) {
	var buf bytes.Buffer

	if b.cfg.Identity.Name != "" {
		fmt.Fprintf(&buf, "You are %s.\n", b.cfg.Identity.Name)
	}
	if b.cfg.Identity.Persona != "" {
		buf.WriteString(b.cfg.Identity.Persona)
		buf.WriteString("\n")
	}
	if b.cfg.Workspace != "" {
		fmt.Fprintf(&buf, "\nWorkspace root: %s\n", b.cfg.Workspace)
	}

	bootstrap := b.orderedBootstrapFiles()
	for _, name := range bootstrap {
		content, err := os.ReadFile(filepath.Join(b.cfg.Workspace, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("context: read bootstrap file %s: %w", name, err)
		}
		fmt.Fprintf(&buf, "\n--- %s ---\n%s\n", name, strings.TrimRight(string(content), "\n"))
	}

	if b.memory != nil {
		mem, err := b.memory.MemoryContext(ctx)
		if err != nil {
			return "", fmt.Errorf("context: memory context: %w", err)
		}
		if mem != "" {
			fmt.Fprintf(&buf, "\n--- Memory ---\n%s\n", mem)
		}
	}

	if b.skills != nil {
		for _, skill := range b.skills.AlwaysLoaded() {
			if skill == "" {
				continue
			}
			fmt.Fprintf(&buf, "\n--- Skill ---\n%s\n", skill)
		}
		if summary := b.skills.CatalogSummary(); summary != "" {
			fmt.Fprintf(&buf, "\n--- Available skills ---\n%s\n", summary)
		}
	}

	return buf.String(), nil
}

// orderedBootstrapFiles returns BuilderConfig.BootstrapFiles with
// "BOOTSTRAP.md" (if present) sorted first; everything else keeps its
// configured relative order.
func (b *Builder) orderedBootstrapFiles() []string {
	var primary []string
	var rest []string
	for _, f := range b.cfg.BootstrapFiles {
		if strings.EqualFold(filepath.Base(f), "BOOTSTRAP.md") {
			primary = append(primary, f)
		} else {
			rest = append(rest, f)
		}
	}
	return append(primary, rest...)
}

// DynamicSystemMessage builds the small, per-turn system message
// (timestamp, channel, chat) that is kept separate from the static
// prompt so the static portion remains byte-identical across turns.
func DynamicSystemMessage(channel, chatID string, now time.Time) string {
	return fmt.Sprintf("Current time: %s\nChannel: %s\nChat: %s",
		now.UTC().Format(time.RFC3339), channel, chatID)
}

// Turn is the input to BuildMessages: one user turn plus enough
// surrounding context to assemble the full message list.
type Turn struct {
	Channel  string
	ChatID   string
	Content  string
	Media    []string
	History  []models.ConversationMessage
	Now      time.Time
}

// BuildMessages assembles the full message list for one dialog-loop
// iteration: static system, dynamic system, session history, and the
// current user turn.
//
// Media attachments are appended to the user turn as a plain-text
// manifest of URIs rather than structured image content blocks: the
// provider abstraction's ChatRequest carries string message content
// only, so vision-capable providers receive the reference and fetch or
// resolve it themselves rather than receiving inline image data.
func (b *Builder) BuildMessages(ctx context.Context, turn Turn) ([]models.ConversationMessage, error) {
	static, err := b.StaticSystemPrompt(ctx)
	if err != nil {
		return nil, err
	}

	now := turn.Now
	if now.IsZero() {
		now = time.Now()
	}

	out := make([]models.ConversationMessage, 0, len(turn.History)+3)
	if static != "" {
		out = append(out, models.ConversationMessage{Role: models.RoleSystem, Content: static, Timestamp: now})
	}
	out = append(out, models.ConversationMessage{
		Role:      models.RoleSystem,
		Content:   DynamicSystemMessage(turn.Channel, turn.ChatID, now),
		Timestamp: now,
	})
	out = append(out, turn.History...)

	content := turn.Content
	if len(turn.Media) > 0 {
		content = content + "\n\n[attached media]\n" + strings.Join(turn.Media, "\n")
	}
	out = append(out, models.ConversationMessage{Role: models.RoleUser, Content: content, Timestamp: now})

	return out, nil
}
