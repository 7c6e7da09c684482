package operation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/mira/internal/errstore"
	"github.com/haasonsaas/mira/internal/llm"
	"github.com/haasonsaas/mira/internal/recall"
	"github.com/haasonsaas/mira/pkg/models"
)

// Soft per-block caps in estimated tokens.
const (
	capSummaries = 2000
	capSemantic  = 3000
	capCodeHints = 1000
	capRecent    = 6000
)

// PromptBundle is the assembled input for one turn. The block order is
// stable across turns so provider-side prefix caching holds: preamble,
// context section, code context, summaries, semantic recall, code
// hints, recent messages, current user message.
type PromptBundle struct {
	System   string
	Messages []llm.ChatMessage

	// BlockSizes records estimated tokens per block for the
	// ContextAssembled log line.
	BlockSizes map[string]int
}

// AssembleInput is one turn's raw material.
type AssembleInput struct {
	SessionID    string
	ProjectID    string
	SystemPrompt string
	UserMessage  string
	// History holds this operation's in-flight turn messages
	// (assistant tool calls and tool results), appended verbatim.
	History []llm.ChatMessage
	// Hints are injected memory notes, e.g. known resolutions after
	// repeated tool failures.
	Hints []string
	// CodeContext is an opaque provider-supplied blob, passed through
	// when present.
	CodeContext   string
	ContextBudget int
}

// Assembler builds PromptBundles from recall output and corrections.
type Assembler struct {
	recall  *recall.Engine
	errors  *errstore.Store
	logger  *slog.Logger
	budget  int
	corrMax int
}

// NewAssembler wires the assembler. budget is the default context
// budget in tokens; corrMax caps injected corrections per turn.
func NewAssembler(recallEngine *recall.Engine, errors *errstore.Store, logger *slog.Logger, budget, corrMax int) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if corrMax <= 0 {
		corrMax = 5
	}
	return &Assembler{recall: recallEngine, errors: errors, logger: logger, budget: budget, corrMax: corrMax}
}

// Assemble builds the bundle for one turn, trimming blocks to the
// budget. Blocks 1 (preamble), 2 (context section), and 8 (current
// user message) are never trimmed.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*PromptBundle, error) {
	rc, err := a.recall.Build(ctx, in.SessionID, in.ProjectID, in.UserMessage)
	if err != nil {
		return nil, err
	}

	sizes := map[string]int{}

	// Block 1: fixed preamble.
	system := strings.Builder{}
	system.WriteString(in.SystemPrompt)
	sizes["preamble"] = llm.EstimateTokens(in.SystemPrompt)

	// Block 2: Mira Context — corrections, fixes, hints. Stable order.
	miraCtx := a.buildMiraContext(ctx, in, rc)
	if miraCtx != "" {
		system.WriteString("\n\n## Mira Context\n")
		system.WriteString(miraCtx)
	}
	sizes["mira_context"] = llm.EstimateTokens(miraCtx)

	// Block 3: opaque compacted code context.
	if in.CodeContext != "" {
		system.WriteString("\n\n## Code Context\n")
		system.WriteString(in.CodeContext)
	}
	sizes["code_context"] = llm.EstimateTokens(in.CodeContext)

	// Blocks 4-7 become messages, trimmed against the budget.
	summaries := buildSummariesBlock(rc)
	semantic := buildSemanticBlock(rc)
	codeHints := buildCodeHintsBlock(rc)
	recent := buildRecentBlock(rc)

	summaries = clampBlock(summaries, capSummaries, false)
	semantic = clampBlock(semantic, capSemantic, false)
	codeHints = clampBlock(codeHints, capCodeHints, false)
	recent = clampBlock(recent, capRecent, true)

	budget := in.ContextBudget
	if budget <= 0 {
		budget = a.budget
	}
	if budget > 0 {
		used := sizes["preamble"] + sizes["mira_context"] + sizes["code_context"] +
			llm.EstimateTokens(in.UserMessage)
		for _, m := range in.History {
			used += llm.EstimateTokens(m.Content)
		}
		summaries, semantic, codeHints, recent = trimBlocks(budget-used, summaries, semantic, codeHints, recent)
	}

	sizes["summaries"] = blockTokens(summaries)
	sizes["semantic"] = blockTokens(semantic)
	sizes["code_hints"] = blockTokens(codeHints)
	sizes["recent"] = blockTokens(recent)
	sizes["user_message"] = llm.EstimateTokens(in.UserMessage)

	var messages []llm.ChatMessage
	if len(summaries) > 0 {
		messages = append(messages, llm.ChatMessage{
			Role:    "user",
			Content: "## Session summaries\n" + strings.Join(summaries, "\n\n"),
			Pinned:  true,
		})
	}
	if len(semantic) > 0 {
		messages = append(messages, llm.ChatMessage{
			Role:    "user",
			Content: "## Recalled context\n" + strings.Join(semantic, "\n"),
		})
	}
	if len(codeHints) > 0 {
		messages = append(messages, llm.ChatMessage{
			Role:    "user",
			Content: "## Code index hints\n" + strings.Join(codeHints, "\n"),
		})
	}
	messages = append(messages, recentMessages(rc, recent)...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: in.UserMessage, Pinned: true})
	messages = append(messages, in.History...)

	a.logger.Info("ContextAssembled",
		"session_id", in.SessionID,
		"preamble", sizes["preamble"],
		"mira_context", sizes["mira_context"],
		"code_context", sizes["code_context"],
		"summaries", sizes["summaries"],
		"semantic", sizes["semantic"],
		"code_hints", sizes["code_hints"],
		"recent", sizes["recent"],
		"user_message", sizes["user_message"],
		"degraded", rc.Degraded,
	)

	return &PromptBundle{
		System:     system.String(),
		Messages:   messages,
		BlockSizes: sizes,
	}, nil
}

func (a *Assembler) buildMiraContext(ctx context.Context, in AssembleInput, rc *models.RecallContext) string {
	var parts []string

	if a.errors != nil {
		corrections, err := a.errors.ActiveCorrections(ctx, in.ProjectID, in.SessionID, a.corrMax)
		if err != nil {
			a.logger.Warn("correction lookup failed", "error", err)
		}
		for _, c := range corrections {
			parts = append(parts, fmt.Sprintf("- Correction (%s): %s -> %s", c.Type, c.WhatWasWrong, c.WhatIsRight))
		}
	}
	for _, fix := range rc.SimilarFixes {
		parts = append(parts, fmt.Sprintf("- Known fix for %q: %s", fix.Pattern.Template, fix.Resolution))
	}
	for _, hint := range in.Hints {
		parts = append(parts, "- "+hint)
	}
	return strings.Join(parts, "\n")
}

func buildSummariesBlock(rc *models.RecallContext) []string {
	var out []string
	for _, s := range rc.Summaries {
		out = append(out, fmt.Sprintf("[%s] %s", s.Type, s.Text))
	}
	return out
}

func buildSemanticBlock(rc *models.RecallContext) []string {
	var out []string
	for _, hit := range rc.Semantic {
		out = append(out, fmt.Sprintf("- (%.2f) %s", hit.Score, hit.Entry.Content))
	}
	for _, hit := range rc.Keyword {
		out = append(out, fmt.Sprintf("- (%.2f) %s", hit.Score, hit.Entry.Content))
	}
	return out
}

func buildCodeHintsBlock(rc *models.RecallContext) []string {
	var out []string
	for _, ref := range rc.RelatedFiles {
		out = append(out, fmt.Sprintf("- %s changes together with this area (%d times)", ref.Path, ref.Count))
	}
	return out
}

func buildRecentBlock(rc *models.RecallContext) []string {
	out := make([]string, len(rc.Recent))
	for i, entry := range rc.Recent {
		out[i] = entry.Content
	}
	return out
}

// recentMessages renders the surviving recent entries verbatim, oldest
// first, preserving roles.
func recentMessages(rc *models.RecallContext, kept []string) []llm.ChatMessage {
	keptSet := map[string]int{}
	for _, content := range kept {
		keptSet[content]++
	}
	var out []llm.ChatMessage
	for _, entry := range rc.Recent {
		if keptSet[entry.Content] == 0 {
			continue
		}
		keptSet[entry.Content]--
		role := "user"
		if entry.Role == models.RoleAssistant || entry.Role == models.RoleSummary {
			role = "assistant"
		}
		out = append(out, llm.ChatMessage{Role: role, Content: entry.Content})
	}
	return out
}

// clampBlock enforces a block's soft cap. fromFront drops the oldest
// entries first (recent messages); otherwise the tail goes.
func clampBlock(block []string, limit int, fromFront bool) []string {
	for blockTokens(block) > limit && len(block) > 1 {
		if fromFront {
			block = block[1:]
		} else {
			block = block[:len(block)-1]
		}
	}
	return block
}

func blockTokens(block []string) int {
	n := 0
	for _, s := range block {
		n += llm.EstimateTokens(s)
	}
	return n
}

// trimBlocks enforces the budget: blocks 5-7 (semantic, recent) are
// trimmed first oldest-first, then block 6 (code hints), then block 4
// (summaries) down to the single latest rolling summary.
func trimBlocks(remaining int, summaries, semantic, codeHints, recent []string) ([]string, []string, []string, []string) {
	total := blockTokens(summaries) + blockTokens(semantic) + blockTokens(codeHints) + blockTokens(recent)
	if total <= remaining {
		return summaries, semantic, codeHints, recent
	}

	// Pass 1: semantic (lowest-scored last, trim from the end) and
	// recent (oldest first).
	for total > remaining && len(semantic) > 0 {
		total -= llm.EstimateTokens(semantic[len(semantic)-1])
		semantic = semantic[:len(semantic)-1]
	}
	for total > remaining && len(recent) > 1 {
		total -= llm.EstimateTokens(recent[0])
		recent = recent[1:]
	}

	// Pass 2: code hints.
	for total > remaining && len(codeHints) > 0 {
		total -= llm.EstimateTokens(codeHints[len(codeHints)-1])
		codeHints = codeHints[:len(codeHints)-1]
	}

	// Pass 3: summaries down to the latest rolling (index 0).
	for total > remaining && len(summaries) > 1 {
		total -= llm.EstimateTokens(summaries[len(summaries)-1])
		summaries = summaries[:len(summaries)-1]
	}
	return summaries, semantic, codeHints, recent
}
