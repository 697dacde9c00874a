package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/AINews/internal/backfill"
	"github.com/TobiSchelling/AINews/internal/collect"
	"github.com/TobiSchelling/AINews/internal/config"
	"github.com/TobiSchelling/AINews/internal/curate"
	"github.com/TobiSchelling/AINews/internal/database"
	"github.com/TobiSchelling/AINews/internal/deliver"
	"github.com/TobiSchelling/AINews/internal/digest"
	"github.com/TobiSchelling/AINews/internal/fetch"
	"github.com/TobiSchelling/AINews/internal/llm"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string         `json:"name"`
	Summary string         `json:"summary"`
	Counts  map[string]int `json:"counts,omitempty"`
	Err     error          `json:"-"`
}

// Report holds the results of a full pipeline run.
type Report struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult
	Delivery   *deliver.Result
	Success    bool
	Error      string
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// add appends a step and reports whether the run may continue.
func (r *Report) add(step StepResult) bool {
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		r.Error = fmt.Sprintf("%s: %v", step.Name, step.Err)
		return false
	}
	return true
}

// Store is the part of the database the pipeline reads for dry runs and
// writes run reports to.
type Store interface {
	CountMissingContent(ctx context.Context, t database.SourceType) (int, error)
	ItemsWithoutDigest(ctx context.Context, requireBody map[database.SourceType]bool, limit int) ([]database.Item, error)
	GetRecentDigests(ctx context.Context, hours int) ([]database.Digest, error)
	InsertRunReport(ctx context.Context, r database.RunReport) error
}

type (
	collector interface {
		Collect(ctx context.Context, hours int) (*collect.Result, error)
	}
	backfiller interface {
		Backfill(ctx context.Context, t database.SourceType, limit int) (*backfill.Result, error)
	}
	generator interface {
		Generate(ctx context.Context, limit int) (*digest.Result, error)
	}
	sender interface {
		Send(ctx context.Context, hours, topN int) (*deliver.Result, error)
		Preview(ctx context.Context, hours, topN int) (*deliver.Message, error)
	}
)

// Pipeline runs scrape, backfill, digest and delivery in order.
type Pipeline struct {
	cfg         *config.Config
	db          *database.DB
	store       Store
	collector   collector
	backfills   []database.SourceType
	backfiller  map[database.SourceType]backfiller
	generator   generator
	sender      sender
	curator     *curate.Curator
	requireBody map[database.SourceType]bool
	now         func() time.Time

	modelOnce sync.Once
	modelErr  error
}

// New wires every stage from configuration. The LLM providers and the
// mail transport are built on first use by Digest, Deliver, Rank or
// Preview, so scraping, backfilling and dry runs never contact them.
func New(cfg *config.Config, db *database.DB) (*Pipeline, error) {
	fetchOpts := fetch.Options{
		Timeout:           time.Duration(cfg.Backfill.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Backfill.RequestsPerSecond,
	}
	markdown, err := fetch.NewMarkdownFetcher(fetchOpts)
	if err != nil {
		return nil, err
	}
	if env := cfg.Sources.YouTube.ProxyURLEnv; env != "" {
		fetchOpts.ProxyURL = os.Getenv(env)
	}
	transcripts, err := fetch.NewTranscriptFetcher(fetchOpts)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:         cfg,
		db:          db,
		store:       db,
		collector:   collect.FromConfig(cfg, db),
		backfiller:  map[database.SourceType]backfiller{},
		requireBody: RequireBody(cfg),
		now:         time.Now,
	}

	for _, t := range BackfillOrder(cfg) {
		f := fetch.Fetcher(markdown)
		if t.IsVideo() {
			f = transcripts
		}
		p.backfills = append(p.backfills, t)
		p.backfiller[t] = backfill.New(db, f, cfg.Backfill.MaxAttempts)
	}
	return p, nil
}

// modelStages builds the digest, ranking and delivery stages once.
// Stages that are already set are left alone. The returned error is the
// transport's; the digest and ranking stages are always built.
func (p *Pipeline) modelStages() error {
	p.modelOnce.Do(func() {
		if p.cfg == nil || p.db == nil {
			return
		}
		digestProvider := createProvider(p.cfg, p.cfg.LLM.DigestModel)
		if p.generator == nil {
			p.generator = digest.NewGenerator(p.db, summarizer(digestProvider, p.cfg.LLM.MaxTokens), p.requireBody)
		}
		if p.curator == nil {
			p.curator = curate.NewCurator(createProvider(p.cfg, p.cfg.LLM.CuratorModel), p.cfg.Profile)
		}
		if p.sender == nil {
			transport, err := deliver.NewTransport(p.cfg.Email, p.cfg.GetDataDir())
			if err != nil {
				p.modelErr = err
				return
			}
			p.sender = deliver.New(p.db, p.curator, transport, digestProvider, p.cfg.LLM.MaxTokens, p.cfg.Profile)
		}
	})
	return p.modelErr
}

func createProvider(cfg *config.Config, model string) llm.Provider {
	return llm.CreateProvider(llm.Options{
		Provider:    cfg.LLM.Provider,
		OllamaURL:   cfg.LLM.OllamaURL,
		OllamaModel: cfg.LLM.OllamaModel,
		OpenAIModel: model,
		BaseURL:     cfg.LLM.BaseURL,
		APIKeyEnv:   cfg.LLM.APIKeyEnv,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
}

func summarizer(provider llm.Provider, maxTokens int) digest.Summarizer {
	if provider == nil {
		return nil
	}
	return digest.NewLLMSummarizer(provider, maxTokens)
}

// BackfillOrder lists the sources whose content is fetched, in run order:
// Anthropic articles, YouTube transcripts, then OpenAI articles when body
// fetching is enabled for them.
func BackfillOrder(cfg *config.Config) []database.SourceType {
	var order []database.SourceType
	if src := cfg.Sources.Anthropic; src.Enabled && src.FetchBody {
		order = append(order, database.SourceAnthropic)
	}
	if cfg.Sources.YouTube.Enabled {
		order = append(order, database.SourceYouTube)
	}
	if src := cfg.Sources.OpenAI; src.Enabled && src.FetchBody {
		order = append(order, database.SourceOpenAI)
	}
	return order
}

// RequireBody marks the feed sources whose digests wait for a fetched body.
func RequireBody(cfg *config.Config) map[database.SourceType]bool {
	return map[database.SourceType]bool{
		database.SourceOpenAI:    cfg.Sources.OpenAI.FetchBody,
		database.SourceAnthropic: cfg.Sources.Anthropic.FetchBody,
	}
}

// Backfills returns the sources whose content this pipeline fetches.
func (p *Pipeline) Backfills() []database.SourceType {
	return p.backfills
}

// Preview builds the email the deliver step would send.
func (p *Pipeline) Preview(ctx context.Context, hours, topN int) (*deliver.Message, error) {
	if err := p.modelStages(); err != nil {
		return nil, err
	}
	return p.sender.Preview(ctx, hours, topN)
}

// Rank ranks the digests of the last hours without sending anything.
func (p *Pipeline) Rank(ctx context.Context, hours int) ([]curate.RankedArticle, []database.Digest, error) {
	digests, err := p.store.GetRecentDigests(ctx, hours)
	if err != nil {
		return nil, nil, fmt.Errorf("loading recent digests: %w", err)
	}
	p.modelStages()
	if p.curator == nil {
		return nil, digests, errors.New("no curator configured")
	}
	ranked, err := p.curator.Rank(ctx, digests)
	return ranked, digests, err
}

func (p *Pipeline) totalSteps() int {
	return len(p.backfills) + 3
}

// Run executes every step. A step error aborts the rest of the run. The
// report is logged and persisted before it is returned.
func (p *Pipeline) Run(ctx context.Context, hours, topN int) *Report {
	r := &Report{ID: uuid.NewString(), StartedAt: p.now()}
	slog.Info("starting pipeline", "run", r.ID, "hours", hours, "top_n", topN)
	n := 0
	next := func(name string) {
		n++
		slog.Info(fmt.Sprintf("Step %d/%d: %s", n, p.totalSteps(), name))
	}

	next("Scrape")
	if !r.add(p.Scrape(ctx, hours)) {
		return p.finish(ctx, r)
	}

	for _, t := range p.backfills {
		next("Backfill " + string(t))
		if !r.add(p.Backfill(ctx, t)) {
			return p.finish(ctx, r)
		}
	}

	next("Digest")
	if !r.add(p.Digest(ctx)) {
		return p.finish(ctx, r)
	}

	next("Deliver")
	step, result := p.Deliver(ctx, hours, topN)
	r.Delivery = result
	if r.add(step) {
		r.Success = result.Success
		if !result.Success {
			r.Error = result.Error
		}
	}
	return p.finish(ctx, r)
}

// DryRun reports the pending work of each step without calling any
// external service.
func (p *Pipeline) DryRun(ctx context.Context, hours, topN int) *Report {
	r := &Report{ID: uuid.NewString(), StartedAt: p.now()}

	r.Steps = append(r.Steps, StepResult{
		Name:    "Scrape",
		Summary: fmt.Sprintf("[dry-run] would fetch the last %dh from every enabled source", hours),
	})

	for _, t := range p.backfills {
		missing, err := p.store.CountMissingContent(ctx, t)
		r.Steps = append(r.Steps, StepResult{
			Name:    "Backfill " + string(t),
			Summary: fmt.Sprintf("[dry-run] %d items need content", missing),
			Err:     err,
		})
	}

	pending, err := p.store.ItemsWithoutDigest(ctx, p.requireBody, 0)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Digest",
		Summary: fmt.Sprintf("[dry-run] %d items ready for a digest", len(pending)),
		Err:     err,
	})

	recent, err := p.store.GetRecentDigests(ctx, hours)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Deliver",
		Summary: fmt.Sprintf("[dry-run] would rank %d digests and send the top %d", len(recent), min(len(recent), topN)),
		Err:     err,
	})

	r.FinishedAt = p.now()
	r.Success = true
	for _, s := range r.Steps {
		if s.Err != nil {
			r.Success = false
			r.Error = fmt.Sprintf("%s: %v", s.Name, s.Err)
			break
		}
	}
	return r
}

// Scrape collects new items from every enabled source.
func (p *Pipeline) Scrape(ctx context.Context, hours int) StepResult {
	result, err := p.collector.Collect(ctx, hours)
	if err != nil {
		return StepResult{Name: "Scrape", Err: err}
	}
	return StepResult{
		Name:    "Scrape",
		Summary: fmt.Sprintf("Found %d new items (%d total, %d duplicates)", result.NewItems, result.TotalFound, result.Duplicates),
		Counts: map[string]int{
			"total":      result.TotalFound,
			"new":        result.NewItems,
			"duplicates": result.Duplicates,
			"failed":     len(result.Failed),
		},
	}
}

// Backfill fetches missing content for one source.
func (p *Pipeline) Backfill(ctx context.Context, t database.SourceType) StepResult {
	name := "Backfill " + string(t)
	if p.backfiller[t] == nil {
		return StepResult{Name: name, Err: fmt.Errorf("content fetching is not enabled for %s", t)}
	}
	result, err := p.backfiller[t].Backfill(ctx, t, 0)
	if err != nil {
		return StepResult{Name: name, Err: err}
	}
	return StepResult{
		Name: name,
		Summary: fmt.Sprintf("Processed %d of %d (%d unavailable, %d failed)",
			result.Processed, result.Total, result.Unavailable, result.Failed),
		Counts: map[string]int{
			"total":       result.Total,
			"processed":   result.Processed,
			"unavailable": result.Unavailable,
			"failed":      result.Failed,
		},
	}
}

// Digest summarizes every item that is ready and has no digest.
func (p *Pipeline) Digest(ctx context.Context) StepResult {
	p.modelStages()
	result, err := p.generator.Generate(ctx, 0)
	if err != nil {
		return StepResult{Name: "Digest", Err: err}
	}
	return StepResult{
		Name:    "Digest",
		Summary: fmt.Sprintf("Created %d digests (%d failed out of %d)", result.Processed, result.Failed, result.Total),
		Counts: map[string]int{
			"total":     result.Total,
			"processed": result.Processed,
			"failed":    result.Failed,
		},
	}
}

// Deliver ranks the window and sends the email. The result is nil when
// the step failed hard.
func (p *Pipeline) Deliver(ctx context.Context, hours, topN int) (StepResult, *deliver.Result) {
	if err := p.modelStages(); err != nil {
		return StepResult{Name: "Deliver", Err: err}, nil
	}
	result, err := p.sender.Send(ctx, hours, topN)
	if err != nil {
		return StepResult{Name: "Deliver", Err: err}, nil
	}
	step := StepResult{Name: "Deliver", Counts: map[string]int{"articles": result.ArticlesCount}}
	if result.Success {
		step.Summary = fmt.Sprintf("Sent %q with %d articles", result.Subject, result.ArticlesCount)
	} else {
		step.Summary = "Not sent: " + result.Error
	}
	return step, result
}

func (p *Pipeline) finish(ctx context.Context, r *Report) *Report {
	r.FinishedAt = p.now()

	slog.Info("pipeline summary", "run", r.ID, "duration", r.Duration().Round(100*time.Millisecond), "success", r.Success)
	for _, s := range r.Steps {
		if s.Err != nil {
			slog.Error(s.Name, "err", s.Err)
			continue
		}
		slog.Info(s.Name, "summary", s.Summary)
	}
	if !r.Success && r.Error != "" {
		slog.Error("pipeline failed", "err", r.Error)
	}

	steps, err := json.Marshal(r.Steps)
	if err != nil {
		slog.Error("encoding run report", "err", err)
		return r
	}
	// A cancelled run still gets its report.
	if err := p.store.InsertRunReport(context.WithoutCancel(ctx), database.RunReport{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Success:    r.Success,
		Error:      r.Error,
		Steps:      string(steps),
	}); err != nil {
		slog.Error("saving run report", "err", err)
	}
	return r
}
