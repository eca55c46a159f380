package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/basket/taskpulse/internal/otel"
)

// GenkitConfig holds configuration for the GenkitPlanner.
type GenkitConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai_compatible".
	// Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// OpenAICompatible config.
	OpenAICompatibleBaseURL string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// GenkitPlanner generates task plans with the configured LLM provider
// and falls back to the deterministic plan when no provider is
// available or generation fails.
type GenkitPlanner struct {
	g     *genkit.Genkit
	cfg   GenkitConfig
	llmOn bool

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// NewGenkitPlanner initializes Genkit with the configured LLM provider.
func NewGenkitPlanner(ctx context.Context, cfg GenkitConfig) *GenkitPlanner {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			logger.Info("genkit planner initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback plan")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			logger.Info("genkit planner initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; using deterministic fallback plan")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			logger.Info("genkit planner initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback plan")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallback plan", "provider", provider)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}

	cfg.Provider = provider
	cfg.Model = modelID
	return &GenkitPlanner{
		g:       g,
		cfg:     cfg,
		llmOn:   llmOn,
		logger:  logger,
		tracer:  tracer,
		metrics: cfg.Metrics,
	}
}

// LLMAvailable reports whether a provider is configured.
func (p *GenkitPlanner) LLMAvailable() bool {
	return p.llmOn
}

// Plan generates a task plan for the project goal. Any failure on the
// LLM path (generation error, malformed output) degrades to the
// deterministic fallback plan rather than failing the invocation.
func (p *GenkitPlanner) Plan(ctx context.Context, projectName, goal string) (TaskPlan, error) {
	if !p.llmOn {
		p.recordFallback(ctx, "llm_unavailable")
		return FallbackPlan(), nil
	}

	modelName := modelNameForProvider(p.cfg.Provider, p.cfg.Model)
	ctx, span := otelpkg.StartClientSpan(ctx, p.tracer, "planner.generate",
		otelpkg.AttrModel.String(modelName),
	)
	defer span.End()

	start := time.Now()
	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(modelName),
		ai.WithSystem(strings.ReplaceAll(planningSystemPrompt, "%", "%%")),
		ai.WithPrompt(planningUserPrompt(projectName, goal)),
	)
	if p.metrics != nil && p.metrics.LLMCallDuration != nil {
		p.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("model", modelName)))
	}
	if err != nil {
		span.RecordError(err)
		p.logger.Error("plan generation failed, using fallback plan",
			"project", projectName, "error", err)
		p.recordFallback(ctx, "generate_error")
		return FallbackPlan(), nil
	}

	plan, err := DecodePlan(resp.Text())
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("plan output rejected, using fallback plan",
			"project", projectName, "error", err)
		p.recordFallback(ctx, "invalid_output")
		return FallbackPlan(), nil
	}
	if plan.TaskCount() == 0 {
		p.logger.Warn("plan output contained no tasks, using fallback plan", "project", projectName)
		p.recordFallback(ctx, "empty_plan")
		return FallbackPlan(), nil
	}
	return plan, nil
}

func (p *GenkitPlanner) recordFallback(ctx context.Context, reason string) {
	if p.metrics != nil && p.metrics.PlanFallbacks != nil {
		p.metrics.PlanFallbacks.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// FixedPlanner always returns the same plan. Used in tests and as an
// explicit deterministic mode.
type FixedPlanner struct {
	Result TaskPlan
	Err    error
}

func (f FixedPlanner) Plan(context.Context, string, string) (TaskPlan, error) {
	if f.Err != nil {
		return TaskPlan{}, f.Err
	}
	return f.Result, nil
}

var _ Planner = (*GenkitPlanner)(nil)
var _ Planner = FixedPlanner{}

// Describe returns a short provider/model label for logs.
func (p *GenkitPlanner) Describe() string {
	if !p.llmOn {
		return "fallback"
	}
	return fmt.Sprintf("%s/%s", p.cfg.Provider, p.cfg.Model)
}
