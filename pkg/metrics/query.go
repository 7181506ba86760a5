package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// NamespaceUsage is the aggregated token and cost usage of one namespace.
type NamespaceUsage struct {
	Namespace        string  `json:"namespace"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads usage back from a Prometheus server that scrapes the engine.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a query service for prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client), now: time.Now}, nil
}

// NamespaceUsage returns token and cost totals for namespace across all models.
func (q *QueryService) NamespaceUsage(ctx context.Context, namespace string) (*NamespaceUsage, error) {
	selector := fmt.Sprintf(`namespace=%q`, namespace)
	usage, err := q.usage(ctx, selector)
	if err != nil {
		return nil, err
	}
	usage.Namespace = namespace
	return usage, nil
}

// NamespaceUsageByModel breaks NamespaceUsage down by model.
func (q *QueryService) NamespaceUsageByModel(ctx context.Context, namespace string) (map[string]*NamespaceUsage, error) {
	modelsQuery := fmt.Sprintf(`group by (model) (llm_tokens_total{namespace=%q})`, namespace)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	result := make(map[string]*NamespaceUsage)
	vector, ok := modelsResult.(model.Vector)
	if !ok {
		return result, nil
	}
	for _, sample := range vector {
		name := string(sample.Metric["model"])
		usage, err := q.usage(ctx, fmt.Sprintf(`namespace=%q, model=%q`, namespace, name))
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		usage.Namespace = namespace
		usage.Model = name
		result[name] = usage
	}
	return result, nil
}

func (q *QueryService) usage(ctx context.Context, selector string) (*NamespaceUsage, error) {
	usage := &NamespaceUsage{}

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="prompt"})`, selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="completion"})`, selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	cost, err := q.scalar(ctx, fmt.Sprintf(`sum(llm_costs_total{%s})`, selector))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}

	usage.PromptTokens = int64(prompt)
	usage.CompletionTokens = int64(completion)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	usage.TotalCost = cost
	return usage, nil
}

// scalar runs an instant query and returns the first sample, or 0 for an empty result.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
