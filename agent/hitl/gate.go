package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// ToolPolicy 工具的审批配置
type ToolPolicy struct {
	Risk             Risk   `yaml:"risk" json:"risk"`
	RequiresApproval bool   `yaml:"requires_approval" json:"requires_approval"`
	Question         string `yaml:"question" json:"question,omitempty"`
}

// Policies 工具名 -> 审批配置
type Policies map[string]ToolPolicy

// DefaultPolicies 内置的风险分级
func DefaultPolicies() Policies {
	return Policies{
		"send_email":            {Risk: RiskHigh, RequiresApproval: true, Question: "Send this email?"},
		"delete_file":           {Risk: RiskHigh, RequiresApproval: true, Question: "Delete this file?"},
		"post_tweet":            {Risk: RiskHigh, RequiresApproval: true, Question: "Publish this post?"},
		"create_calendar_event": {Risk: RiskMedium, RequiresApproval: true, Question: "Create this calendar event?"},
		"update_notion_page":    {Risk: RiskMedium, RequiresApproval: true},
		"web_search":            {Risk: RiskLow},
		"read_file":             {Risk: RiskLow},
	}
}

// Lookup 返回工具的配置；未配置的工具视为低风险且无需审批
func (p Policies) Lookup(name string) ToolPolicy {
	if pol, ok := p[name]; ok {
		return pol
	}
	return ToolPolicy{Risk: RiskLow}
}

// Gate 审批装饰器
type Gate struct {
	manager  *InterruptManager
	policies Policies
	logger   *zap.Logger
}

// NewGate 创建审批网关
func NewGate(manager *InterruptManager, policies Policies, logger *zap.Logger) *Gate {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		manager:  manager,
		policies: policies,
		logger:   logger.With(zap.String("component", "approval_gate")),
	}
}

// Wrap 返回带审批的工具；不需要审批的工具原样返回
func (g *Gate) Wrap(tool types.Tool, policy ToolPolicy) types.Tool {
	if !policy.RequiresApproval {
		return tool
	}
	return &gatedTool{inner: tool, policy: policy, gate: g}
}

// WrapAll 按 Policies 包装一组工具
func (g *Gate) WrapAll(tools []types.Tool) []types.Tool {
	out := make([]types.Tool, len(tools))
	for i, t := range tools {
		out[i] = g.Wrap(t, g.policies.Lookup(t.Name()))
	}
	return out
}

type gatedTool struct {
	inner  types.Tool
	policy ToolPolicy
	gate   *Gate
}

func (t *gatedTool) Name() string { return t.inner.Name() }

// Invoke 挂起执行直到人工决定
func (t *gatedTool) Invoke(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
	execID, ok := types.ExecutionID(ctx)
	if !ok {
		return nil, ErrMissingExecution
	}
	threadID, _ := types.ThreadID(ctx)

	resp, err := t.gate.manager.Request(ctx, ApprovalRequest{
		ExecutionID: execID,
		ThreadID:    threadID,
		ToolName:    t.Name(),
		Args:        args,
		Question:    t.question(args),
		Risk:        t.policy.Risk,
	})
	if err != nil {
		if errors.Is(err, ErrApprovalTimeout) {
			return types.CancelledResult(t.Name(), "The action was cancelled because no approval arrived in time."), nil
		}
		return nil, err
	}

	switch resp.Type {
	case ResponseAccept:
		return t.inner.Invoke(ctx, args)
	case ResponseEdit:
		return t.inner.Invoke(ctx, resp.Args)
	default:
		msg := fmt.Sprintf("The user declined %s.", t.Name())
		if resp.Reason != "" {
			msg = fmt.Sprintf("The user declined %s: %s.", t.Name(), resp.Reason)
		}
		t.gate.logger.Info("tool call rejected",
			zap.String("execution_id", execID),
			zap.String("tool", t.Name()),
			zap.String("decision", string(resp.Type)),
		)
		return types.CancelledResult(t.Name(), msg), nil
	}
}

func (t *gatedTool) question(args map[string]any) string {
	if t.policy.Question != "" {
		return t.policy.Question
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("Allow %s (%s)?", t.Name(), strings.Join(parts, ", "))
}
