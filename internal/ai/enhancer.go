package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"revspec/internal/analysis"
	"revspec/internal/heuristic"
	"revspec/internal/knowledge"
	"revspec/internal/patterns"
)

var (
	ErrTimeout           = errors.New("ai enhancement timed out")
	ErrTransport         = errors.New("ai transport error")
	ErrMalformedResponse = errors.New("malformed ai response")
)

// Options tune which annotations are sent and how replies are trusted.
type Options struct {
	// Threshold selects annotations whose confidence is below it.
	Threshold float64
	// Cap bounds the confidence of every suggestion.
	Cap               float64
	Timeout           time.Duration
	RequestsPerMinute int
	TopK              int
	MinSimilarity     float64
}

func DefaultOptions() Options {
	return Options{
		Threshold:         0.85,
		Cap:               0.75,
		Timeout:           20 * time.Second,
		RequestsPerMinute: 60,
		TopK:              3,
		MinSimilarity:     0.5,
	}
}

// Searcher is the part of the pattern repository the enhancer reads.
type Searcher interface {
	SearchSemantic(ctx context.Context, query []float32, k int, minSimilarity float64) ([]patterns.Scored, error)
}

// Enhancer asks an external reasoning service to reinterpret low-confidence annotations.
// It is safe for concurrent use; the rate limiter is shared by all callers.
type Enhancer struct {
	transport knowledge.Transport
	embedder  knowledge.Embedder
	search    Searcher
	opts      Options
	limiter   *rate.Limiter
	schema    *jsonschema.Schema
	log       *zap.Logger
}

// NewEnhancer builds an enhancer. embedder and search may be nil, in which case prompts carry no patterns.
func NewEnhancer(transport knowledge.Transport, embedder knowledge.Embedder, search Searcher, opts Options, log *zap.Logger) (*Enhancer, error) {
	if transport == nil {
		return nil, errors.New("ai enhancer requires a transport")
	}
	if log == nil {
		log = zap.NewNop()
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile ai response schema: %w", err)
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &Enhancer{
		transport: transport,
		embedder:  embedder,
		search:    search,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		schema:    schema,
		log:       log,
	}, nil
}

// Enhance appends one AI annotation per successfully reinterpreted low-confidence annotation.
// Failures never change the input; they are returned so callers can record them as warnings.
func (e *Enhancer) Enhance(ctx context.Context, path string, facts []analysis.Fact, anns []heuristic.Annotation) ([]heuristic.Annotation, []error) {
	out := append([]heuristic.Annotation(nil), anns...)
	var errs []error
	for _, a := range anns {
		if a.Origin != heuristic.OriginHeuristic || a.Confidence >= e.opts.Threshold {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrTimeout, err))
			break
		}
		s, err := e.suggest(ctx, facts, a)
		if err != nil {
			e.log.Warn("ai suggestion discarded",
				zap.String("path", path),
				zap.String("idiom", a.Idiom),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	return out, errs
}

func (e *Enhancer) suggest(ctx context.Context, facts []analysis.Fact, a heuristic.Annotation) (heuristic.Annotation, error) {
	related := e.relatedPatterns(ctx, facts, a)
	prompt := buildPrompt(facts, a, related)

	callCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	raw, err := e.transport.Complete(callCtx, prompt, e.opts.Timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return heuristic.Annotation{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return heuristic.Annotation{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	reply, err := e.parse(raw)
	if err != nil {
		return heuristic.Annotation{}, err
	}

	s := heuristic.Annotation{
		Idiom:       reply.Idiom,
		Shape:       reply.Shape,
		Category:    reply.Category,
		Family:      a.Family,
		Facts:       append([]int(nil), a.Facts...),
		Function:    a.Function,
		Confidence:  math.Min(reply.Confidence, e.opts.Cap),
		NeedsReview: true,
		Origin:      heuristic.OriginAI,
		Evidence:    []string{"ai:refines:" + a.Idiom},
		Params:      reply.Params,
		Rationale:   strings.TrimSpace(reply.Rationale),
	}
	if s.Category == "" {
		s.Category = a.Category
	}
	for _, p := range related {
		s.Evidence = append(s.Evidence, "pattern:"+p.Pattern.Name)
	}
	return s, nil
}

// relatedPatterns finds the nearest stored patterns for the annotation. Lookup failures only thin the prompt.
func (e *Enhancer) relatedPatterns(ctx context.Context, facts []analysis.Fact, a heuristic.Annotation) []patterns.Scored {
	if e.embedder == nil || e.search == nil || e.opts.TopK <= 0 {
		return nil
	}
	vecs, err := e.embedder.Embed(ctx, []string{queryText(facts, a)})
	if err != nil || len(vecs) == 0 {
		e.log.Debug("ai pattern lookup skipped", zap.Error(err))
		return nil
	}
	hits, err := e.search.SearchSemantic(ctx, vecs[0], e.opts.TopK, e.opts.MinSimilarity)
	if err != nil {
		e.log.Debug("ai pattern search failed", zap.Error(err))
		return nil
	}
	return hits
}

type reply struct {
	Idiom      string            `json:"idiom"`
	Shape      string            `json:"shape"`
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Rationale  string            `json:"rationale"`
	Params     map[string]string `json:"params"`
}

func (e *Enhancer) parse(raw string) (reply, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	r.Idiom = strings.TrimSpace(r.Idiom)
	return r, nil
}
