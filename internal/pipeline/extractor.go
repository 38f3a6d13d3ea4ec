package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/cortexd/internal/model"
)

// LLMExtractor calls the configured LLM subprocess to turn cleaned
// content into structured metadata, falling back to HeuristicExtractor
// on any provider error — a failed LLM never fails the capture.
type LLMExtractor struct {
	Invoker  LLMInvoker
	Model    string
	Fallback Extractor
}

func NewLLMExtractor(inv LLMInvoker, model string) *LLMExtractor {
	return &LLMExtractor{Invoker: inv, Model: model, Fallback: HeuristicExtractor{}}
}

func (e *LLMExtractor) Extract(ctx context.Context, source ExtractionSource, content, recentContext string) (ExtractionResult, error) {
	if e.Invoker == nil {
		return e.Fallback.Extract(ctx, source, content, recentContext)
	}
	prompt := buildExtractionPrompt(source, content, recentContext)
	raw, err := invokeWithRetry(ctx, e.Invoker, e.Model, prompt)
	if err != nil {
		return e.Fallback.Extract(ctx, source, content, recentContext)
	}
	result, err := parseExtractionJSON(raw)
	if err != nil {
		return e.Fallback.Extract(ctx, source, content, recentContext)
	}
	return result, nil
}

func buildExtractionPrompt(source ExtractionSource, content, recentContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", source)
	if recentContext != "" {
		fmt.Fprintf(&b, "recent_agent_context: %s\n", recentContext)
	}
	b.WriteString("content:\n")
	b.WriteString(content)
	b.WriteString("\n\nReturn strict JSON: {\"title\":string,\"subjects\":[string],\"summary\":string,\"confidence\":number,\"labels\":[string],\"importance\":number}")
	return b.String()
}

type extractionJSON struct {
	Title      string   `json:"title"`
	Subjects   []string `json:"subjects"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels"`
	Importance float64  `json:"importance"`
}

func parseExtractionJSON(raw string) (ExtractionResult, error) {
	raw = extractJSONObject(raw)
	var j extractionJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return ExtractionResult{}, fmt.Errorf("parse extraction json: %w", err)
	}
	return ExtractionResult{
		Title:      j.Title,
		Subjects:   model.DedupeFold(j.Subjects),
		Summary:    j.Summary,
		Confidence: clamp01(j.Confidence),
		Labels:     model.DedupeFold(j.Labels),
		Importance: clamp01(j.Importance),
	}, nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// extractJSONObject tolerates an LLM wrapping its JSON in prose or a
// code fence by grabbing the outermost {...} span.
func extractJSONObject(raw string) string {
	if m := jsonObjectRe.FindString(raw); m != "" {
		return m
	}
	return raw
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HeuristicExtractor derives the same ExtractionResult fields without
// an LLM: title from the first non-empty line (cut to 80 bytes),
// subjects from the first five distinct words of four or more
// characters (lowercased), the source as the only label, confidence
// fixed at heuristicConfidence and importance fixed at 0.5.
type HeuristicExtractor struct{}

const heuristicConfidence = 0.4

var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{3,}`)

func (HeuristicExtractor) Extract(_ context.Context, source ExtractionSource, content, _ string) (ExtractionResult, error) {
	title := firstLine(content)
	if len(title) > 80 {
		title = title[:80]
	}
	subjects := model.DedupeFold(topWords(content, 5))
	return ExtractionResult{
		Title:      title,
		Subjects:   subjects,
		Summary:    truncate(content, 280),
		Confidence: heuristicConfidence,
		Labels:     []string{string(source)},
		Importance: 0.5,
	}, nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return strings.TrimSpace(s)
}

func topWords(s string, n int) []string {
	words := wordRe.FindAllString(s, -1)
	seen := make(map[string]struct{})
	var out []string
	for _, w := range words {
		lw := strings.ToLower(w)
		if _, ok := seen[lw]; ok {
			continue
		}
		seen[lw] = struct{}{}
		out = append(out, lw)
		if len(out) >= n {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// LLMRelevanceGate answers the 51-150 character prompt-relevance
// question via the cheap gate model, failing open (treat as relevant)
// on any parse or provider error.
type LLMRelevanceGate struct {
	Invoker LLMInvoker
	Model   string
}

type relevanceJSON struct {
	Relevant bool `json:"relevant"`
}

func (g *LLMRelevanceGate) IsRelevant(ctx context.Context, prompt string) (bool, error) {
	if g.Invoker == nil {
		return true, nil
	}
	raw, err := invokeWithRetry(ctx, g.Invoker, g.Model, buildGatePrompt(prompt))
	if err != nil {
		return true, nil // fail open
	}
	var j relevanceJSON
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &j); err != nil {
		return true, nil // fail open on parse failure
	}
	return j.Relevant, nil
}

func buildGatePrompt(prompt string) string {
	return "Is this short user prompt worth remembering as lasting context (not small talk or an acknowledgement)? " +
		"Respond with strict JSON {\"relevant\": bool} and nothing else.\n\nprompt: " + prompt
}
