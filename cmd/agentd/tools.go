package main

import (
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/cron"
	"github.com/haasonsaas/nexus/internal/tools/exec"
	"github.com/haasonsaas/nexus/internal/tools/files"
	"github.com/haasonsaas/nexus/pkg/models"
)

// registerTools builds the default tool set (shell exec, background
// processes, and workspace file access) and registers it on registry.
func registerTools(registry *agent.Registry, manager *exec.Manager, cfg *config.Config) error {
	guard, err := exec.NewCommandGuard(nil, nil, true)
	if err != nil {
		return err
	}
	manager.SetGuard(guard)
	if cfg.Tools.Sandbox.Enabled {
		manager.EnableSandbox(cfg.Tools.Sandbox.BuildMode(), "default", cfg.Tools.Sandbox.Build())
	}

	registry.Register(exec.NewExecTool("exec", manager))
	registry.Register(exec.NewProcessTool(manager))

	filesCfg := files.Config{Workspace: cfg.Agent.Workspace}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))
	registry.Register(files.NewApplyPatchTool(filesCfg))
	return nil
}

// cronAgentMessage turns a fired agent-type cron job into the inbound
// message the scheduler expects, addressed to the job's own session so
// repeated firings serialize against one another like any other session.
func cronAgentMessage(job *cron.Job) models.InboundMessage {
	content := job.Name
	if job.Message != nil && job.Message.Content != "" {
		content = job.Message.Content
	}
	return models.InboundMessage{
		Channel:  "cron",
		ChatID:   job.ID,
		Content:  content,
		Metadata: map[string]any{"session_key": "cron:" + job.ID},
	}
}
