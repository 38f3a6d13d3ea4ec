package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/cortexd/internal/config"
	"github.com/nextlevelbuilder/cortexd/internal/cortexerr"
	"github.com/nextlevelbuilder/cortexd/internal/model"
	"github.com/nextlevelbuilder/cortexd/internal/pool"
	"github.com/nextlevelbuilder/cortexd/internal/queue"
	"github.com/nextlevelbuilder/cortexd/internal/telemetry"
	"github.com/nextlevelbuilder/cortexd/internal/threadmgr"
)

// promptGateMin and promptGateMax bound, in runes, the prompt lengths
// sent to the relevance gate; shorter prompts are first checked
// against the configured MinPromptLength.
const promptGateMin, promptGateMax = 51, 150

// pendingContextBytes is how many runes of a capture's cleaned content
// (plus an ellipsis when cut) are retained as PendingContext.Content
// for the next coherence check.
const pendingContextBytes = 1500

// Processor runs one queue.Job through clean, extract, coherence, and
// the thread manager. It implements queue.Processor.
type Processor struct {
	Pool      *pool.Pool
	Extractor Extractor
	Gate      RelevanceGate
	ConfigFn  func() config.GuardianConfig
}

func New(p *pool.Pool, extractor Extractor, gate RelevanceGate, configFn func() config.GuardianConfig) *Processor {
	return &Processor{Pool: p, Extractor: extractor, Gate: gate, ConfigFn: configFn}
}

// Process implements queue.Processor. A panic anywhere in run is
// caught here, the connection entry it was holding is force-evicted
// rather than trusted, and the panic is reported as an error so the
// queue's error counter still advances. This is distinct from the
// queue's own recover, which only protects the worker goroutine.
func (p *Processor) Process(ctx context.Context, job queue.Job) (err error) {
	ctx, span := telemetry.Tracer.Start(ctx, "capture.process")
	defer span.End()

	cfg := p.ConfigFn()
	key := pool.AgentKey{ProjectHash: job.ProjectHash, AgentID: job.AgentID}
	quota := p.Pool.GetThreadQuota(key)

	defer func() {
		if r := recover(); r != nil {
			p.Pool.ForceEvict(key)
			err = cortexerr.Wrap(cortexerr.ErrPanic, "pipeline.Process", fmt.Errorf("%v", r))
		}
	}()

	return p.Pool.WithConn(key, func(db *sql.DB) error {
		_, e := p.run(ctx, db, key, job, &cfg, quota)
		return e
	})
}

// run returns the id of the thread created/updated, or "" if the
// capture was filtered at any step — filtering is not itself an error.
func (p *Processor) run(ctx context.Context, db *sql.DB, key pool.AgentKey, job queue.Job, cfg *config.GuardianConfig, quota int) (string, error) {
	// Step 1: clean.
	cleaned, ok := Clean(job.Content, cfg.Extraction.MinCaptureLength)
	if !ok {
		return "", nil
	}

	// Step 2: prompt-only short-circuit.
	if job.Kind == queue.JobPrompt {
		if utf8.RuneCountInString(cleaned) < cfg.Extraction.MinPromptLength {
			return "", nil
		}
		n := utf8.RuneCountInString(cleaned)
		if n >= promptGateMin && n <= promptGateMax && p.Gate != nil {
			relevant, err := p.Gate.IsRelevant(ctx, cleaned)
			if err != nil {
				relevant = true // fail open
			}
			if !relevant {
				return "", nil
			}
		}
	}

	// Step 3: extract.
	source := extractionSourceFor(job)
	var pending *pool.PendingContext
	_ = p.Pool.WithPending(key, func(pc **pool.PendingContext) { pending = *pc })
	recentContext := ""
	if pending != nil {
		recentContext = pending.Content
	}
	result, err := p.Extractor.Extract(ctx, source, cleaned, recentContext)
	if err != nil {
		return "", cortexerr.Wrap(cortexerr.ErrProvider, "pipeline.Process extract", err)
	}
	if result.Confidence == 0 {
		return "", nil
	}

	// Step 4: coherence gate.
	parentHint := ""
	ttl := time.Duration(cfg.Extraction.PendingContextTTLSec) * time.Second
	if pending != nil && !pending.IsExpired(ttl) {
		coh := Coherence{ChildThreshold: cfg.Coherence.ChildThreshold, OrphanThreshold: cfg.Coherence.OrphanThreshold}
		score := coh.Score(pending.Content, pending.Labels, cleaned, result.Labels)
		classified := coh.Classify(score, pending.ThreadID)
		switch classified.Action {
		case ActionForget:
			return "", nil
		case ActionContinue:
			parentHint = classified.ParentHint
		case ActionOrphan:
			parentHint = ""
		}
	}

	// Step 5 + 6: thread manager dispatch + quota enforcement.
	mgr := threadmgr.New(db, quota)
	in := threadmgr.NewThreadInput{
		Title: result.Title, Summary: result.Summary, Topics: result.Subjects,
		Labels: result.Labels, Importance: result.Importance, Content: cleaned,
		Source: string(job.SourceType), SourceType: string(source),
	}

	decision, candidate, err := mgr.Decide(parentHint, result.Subjects)
	if err != nil {
		return "", cortexerr.Wrap(cortexerr.ErrStorage, "pipeline.Process decide", err)
	}

	var threadID string
	switch decision {
	case threadmgr.DecisionContinue:
		msg := &model.ThreadMessage{Content: cleaned, Source: in.Source, SourceType: in.SourceType}
		if err := mgr.ContinueThread(candidate, msg); err != nil {
			return "", cortexerr.Wrap(cortexerr.ErrStorage, "pipeline.Process continue", err)
		}
		threadID = candidate.ID
	case threadmgr.DecisionFork:
		child, err := mgr.ForkThread(candidate, in)
		if err != nil {
			return "", cortexerr.Wrap(cortexerr.ErrStorage, "pipeline.Process fork", err)
		}
		threadID = child.ID
	case threadmgr.DecisionReactivate:
		if err := mgr.ReactivateThread(candidate, in); err != nil {
			return "", cortexerr.Wrap(cortexerr.ErrStorage, "pipeline.Process reactivate", err)
		}
		threadID = candidate.ID
	default: // NewThread
		t, _, err := mgr.NewThread(in)
		if err != nil && t == nil {
			return "", cortexerr.Wrap(cortexerr.ErrStorage, "pipeline.Process new_thread", err)
		}
		threadID = t.ID
	}

	// Step 7: update PendingContext.
	p.Pool.WithPending(key, func(pc **pool.PendingContext) {
		*pc = &pool.PendingContext{
			Content:   truncate(cleaned, pendingContextBytes),
			ThreadID:  threadID,
			Labels:    result.Labels,
			Timestamp: time.Now().UTC(),
		}
	})

	return threadID, nil
}

func extractionSourceFor(job queue.Job) ExtractionSource {
	if job.Kind == queue.JobPrompt {
		return SourcePrompt
	}
	return ExtractionSourceFromToolSourceType(job.SourceType)
}
