package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskflowServer(t *testing.T) {
	s := NewTaskflowServer(TaskflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewTaskflowServer(TaskflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"taskflow.define",
		"taskflow.validate",
		"taskflow.run",
		"taskflow.status",
		"taskflow.control",
		"taskflow.trigger",
		"taskflow.approve",
		"taskflow.query",
		"taskflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"define", "taskflow.define", "Store a workflow template, or a new version of an existing one"},
		{"validate", "taskflow.validate", "Validate a workflow template without storing it"},
		{"run", "taskflow.run", "Start an execution of a template for a task"},
		{"control", "taskflow.control", "Pause, resume or cancel an execution"},
		{"approve", "taskflow.approve", "Approve or reject a pending user-approval step"},
	}

	s := NewTaskflowServer(TaskflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
