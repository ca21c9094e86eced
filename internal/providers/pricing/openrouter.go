package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meterline/meterline/internal/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const openRouterModelsPath = "/api/v1/models"

var perTokenToPer1K = decimal.NewFromInt(1000)

// OpenRouter fetches the live model catalog. It is the only realtime source:
// catalog prices are quoted per token and converted to per-1k here.
type OpenRouter struct {
	tracker

	baseURL    string
	httpClient *http.Client
	clock      clock.Clock
	log        *zap.Logger
}

func NewOpenRouter(baseURL string, httpClient *http.Client, clk clock.Clock, log *zap.Logger) *OpenRouter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &OpenRouter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		clock:      clk,
		log:        log.Named("providers.openrouter"),
	}
}

func (a *OpenRouter) Name() string { return "openrouter" }

func (a *OpenRouter) Available(ctx context.Context) bool {
	return a.baseURL != "" && !a.inBackoff(a.clock.Now())
}

func (a *OpenRouter) DataFreshness() Freshness { return FreshnessRealtime }

// SupportedModels is catalog-driven; the set is only known after a fetch.
func (a *OpenRouter) SupportedModels() []string { return nil }

func (a *OpenRouter) Health() Health { return a.health() }

type openRouterCatalog struct {
	Data []openRouterModel `json:"data"`
}

type openRouterModel struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

func (a *OpenRouter) FetchPricing(ctx context.Context) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+openRouterModelsPath, nil)
	if err != nil {
		a.recordFailure(a.clock.Now())
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.recordFailure(a.clock.Now())
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.recordFailure(a.clock.Now())
		return nil, fmt.Errorf("%w: catalog returned %d", ErrFetchFailed, resp.StatusCode)
	}

	var catalog openRouterCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		a.recordFailure(a.clock.Now())
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	result := &FetchResult{
		Provider:  a.Name(),
		FetchedAt: a.clock.Now(),
	}
	for _, model := range catalog.Data {
		quote, ok := a.toQuote(model)
		if !ok {
			result.Invalid++
			continue
		}
		result.Quotes = append(result.Quotes, quote)
	}

	a.recordSuccess(result.FetchedAt)
	return result, nil
}

// toQuote maps a catalog id like "openai/gpt-4o-mini" onto a (provider,
// model) pair. Entries without a vendor prefix or with unparsable prices are
// dropped and counted.
func (a *OpenRouter) toQuote(model openRouterModel) (Quote, bool) {
	provider, modelID, found := strings.Cut(model.ID, "/")
	if !found || provider == "" || modelID == "" {
		return Quote{}, false
	}

	input, err := decimal.NewFromString(model.Pricing.Prompt)
	if err != nil {
		return Quote{}, false
	}
	output, err := decimal.NewFromString(model.Pricing.Completion)
	if err != nil {
		return Quote{}, false
	}

	q := Quote{
		ModelID:          modelID,
		ProviderID:       strings.ToLower(provider),
		InputPricePer1K:  input.Mul(perTokenToPer1K),
		OutputPricePer1K: output.Mul(perTokenToPer1K),
	}
	if !ValidQuote(q) {
		return Quote{}, false
	}
	return q, true
}
