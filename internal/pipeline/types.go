// Package pipeline implements the capture processor: clean, extract
// (LLM), coherence-gate, then hand off to the thread manager.
// Extractor is the narrow interface a subprocess-backed implementation
// plugs into, scoped to exactly the two calls this pipeline needs.
package pipeline

import (
	"context"
	"time"
)

// ExtractionSource is the closed tagged union naming where a capture
// came from, translated 1-for-1 from the queue's JobKind/SourceType
// pair into the vocabulary the extractor prompt expects.
type ExtractionSource string

const (
	SourceFileRead  ExtractionSource = "file_read"
	SourceFileWrite ExtractionSource = "file_write"
	SourceTask      ExtractionSource = "task"
	SourceFetch     ExtractionSource = "fetch"
	SourceResponse  ExtractionSource = "response"
	SourceCommand   ExtractionSource = "command"
	SourcePrompt    ExtractionSource = "prompt"
)

// ExtractionSourceFromToolSourceType maps a hook-supplied source_type
// string (free text from the CLI's tool names, e.g. "Write", "Bash",
// "WebFetch") onto the closed enum, defaulting to SourceCommand for
// anything unrecognized rather than rejecting the capture.
func ExtractionSourceFromToolSourceType(sourceType string) ExtractionSource {
	switch sourceType {
	case "Read", "Grep", "Glob":
		return SourceFileRead
	case "Write", "Edit", "NotebookEdit":
		return SourceFileWrite
	case "Task", "TodoWrite":
		return SourceTask
	case "WebFetch", "WebSearch":
		return SourceFetch
	case "Response":
		return SourceResponse
	default:
		return SourceCommand
	}
}

// ExtractionResult is what the extractor LLM (or its heuristic
// fallback) returns for one cleaned capture.
type ExtractionResult struct {
	Title      string
	Subjects   []string
	Summary    string
	Confidence float64
	Labels     []string
	Importance float64
}

// Extractor turns cleaned capture content into structured metadata.
// The real implementation launches the configured LLM subprocess
// (out of scope here); HeuristicExtractor is the always-available
// fallback used on Extractor error or when none is configured.
type Extractor interface {
	Extract(ctx context.Context, source ExtractionSource, content string, recentContext string) (ExtractionResult, error)
}

// RelevanceGate answers "is this short prompt worth persisting?" for
// prompts in the 51-150 character band.
type RelevanceGate interface {
	IsRelevant(ctx context.Context, prompt string) (bool, error)
}

// CoherenceAction is the outcome of comparing a new capture against
// PendingContext.
type CoherenceAction string

const (
	ActionForget   CoherenceAction = "forget"
	ActionOrphan   CoherenceAction = "orphan"
	ActionContinue CoherenceAction = "continue"
)

// CoherenceResult carries the action plus, for Continue, the parent
// thread id to pass on as a hint to the thread manager.
type CoherenceResult struct {
	Action     CoherenceAction
	ParentHint string
	Score      float64
}

// PendingSnapshot mirrors the fields of pool.PendingContext as a plain
// struct; the processor itself works with pool.PendingContext.
type PendingSnapshot struct {
	Content   string
	ThreadID  string
	Labels    []string
	Timestamp time.Time
}
