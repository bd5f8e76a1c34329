package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/phxdata/propflow/internal/errs"
)

// Breaker guards the LLM endpoint. The supervise package provides the
// gobreaker-backed implementation; its Execute returns taxonomy errors
// when the circuit is open.
type Breaker interface {
	Execute(fn func() (interface{}, error)) (interface{}, error)
}

// Config tunes the extractor.
type Config struct {
	Endpoint      string
	Model         string
	PromptVersion string
	Timeout       time.Duration
}

// Extractor runs prompted extraction against a local LLM with regex
// fallback. Safe for concurrent use.
type Extractor struct {
	llm     llms.Model
	cache   *Cache
	breaker Breaker
	cfg     Config
}

// New builds an extractor over an Ollama-compatible endpoint.
func New(cfg Config, cache *Cache, breaker Breaker) (*Extractor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "v2"
	}
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.Endpoint),
		ollama.WithModel(cfg.Model),
		ollama.WithFormat("json"),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "llm", "ollama client init failed", err)
	}
	return &Extractor{llm: llm, cache: cache, breaker: breaker, cfg: cfg}, nil
}

// NewWithModel builds an extractor over an injected model, for tests and
// alternative backends.
func NewWithModel(cfg Config, model llms.Model, cache *Cache, breaker Breaker) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = "v2"
	}
	return &Extractor{llm: model, cache: cache, breaker: breaker, cfg: cfg}
}

// PromptVersion returns the active prompt version, used in cache keys.
func (e *Extractor) PromptVersion() string {
	return e.cfg.PromptVersion
}

// Extract returns structured fields for text, consulting the cache first.
// On an LLM response that is not a single JSON object, or on timeout, it
// falls back to regex extraction; when both fail the error carries kind
// extraction or timeout respectively.
func (e *Extractor) Extract(ctx context.Context, text, sourceTag string) (*Result, error) {
	key := CacheKey(sourceTag, e.cfg.PromptVersion, text)
	res, _, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*Result, error) {
		return e.extractUncached(ctx, text, sourceTag)
	})
	return res, err
}

func (e *Extractor) extractUncached(ctx context.Context, text, sourceTag string) (*Result, error) {
	prompt := BuildPrompt(e.cfg.PromptVersion, sourceTag, text)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	raw, err := e.generate(ctx, prompt)
	if err != nil {
		kind := errs.KindOf(err)
		switch kind {
		case errs.KindRateLimit:
			// Breaker open: surface immediately, no fallback. The caller
			// retries after the cooldown.
			return nil, err
		case errs.KindTimeout:
			if res, ok := FallbackExtract(text); ok {
				log.Debug().Str("source", sourceTag).Msg("llm timeout, regex fallback succeeded")
				return res, nil
			}
			return nil, errs.Wrap(errs.KindTimeout, "llm", "extraction timed out and fallback found nothing", err)
		default:
			return nil, errs.Wrap(kind, "llm", "llm call failed", err)
		}
	}

	res, perr := parseLLMResponse(raw)
	if perr != nil {
		if res, ok := FallbackExtract(text); ok {
			log.Debug().Str("source", sourceTag).Msg("llm output unparseable, regex fallback succeeded")
			return res, nil
		}
		return nil, errs.Wrap(errs.KindExtraction, "llm", "llm output unparseable and fallback found nothing", perr)
	}
	return res, nil
}

// generate runs one model call through the breaker when one is attached.
func (e *Extractor) generate(ctx context.Context, prompt string) (string, error) {
	call := func() (interface{}, error) {
		out, err := llms.GenerateFromSinglePrompt(ctx, e.llm, prompt,
			llms.WithTemperature(0),
			llms.WithJSONMode(),
		)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", errs.Wrap(errs.KindTimeout, "llm", "llm request exceeded budget", err)
			}
			return "", err
		}
		return out, nil
	}

	if e.breaker == nil {
		out, err := call()
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}

	out, err := e.breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// parseLLMResponse expects exactly one JSON object in the model output,
// tolerating surrounding prose by slicing the outermost braces.
func parseLLMResponse(raw string) (*Result, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in llm response")
	}

	var res Result
	dec := json.NewDecoder(strings.NewReader(raw[start : end+1]))
	if err := dec.Decode(&res); err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, errors.New("llm response carried no usable fields")
	}

	res.Method = MethodLLM
	res.Confidence = llmConfidence(&res)
	return &res, nil
}

// llmConfidence scores an LLM result by completeness of the core fields.
func llmConfidence(r *Result) float64 {
	fields := 0
	if r.Street != "" {
		fields++
	}
	if r.Zipcode != "" {
		fields++
	}
	if r.Price > 0 {
		fields++
	}
	if r.Bedrooms > 0 {
		fields++
	}
	if r.Bathrooms > 0 {
		fields++
	}
	if r.SquareFeet > 0 {
		fields++
	}
	if r.YearBuilt > 0 {
		fields++
	}
	return 0.6 + 0.35*float64(fields)/7.0
}
