// Package mock provides an in-memory payment provider for local development
// and tests. Intents succeed immediately unless the amount ends in 99, which
// simulates a declined card.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/provider"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

// Provider implements provider.PaymentProvider in memory.
type Provider struct {
	mu      sync.Mutex
	intents map[string]*provider.Intent
}

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{intents: make(map[string]*provider.Intent)}
}

// CreateIntent registers a new intent. Amounts ending in 99 are created in
// the requires_payment_method state to exercise failure paths.
func (p *Provider) CreateIntent(_ context.Context, req provider.IntentRequest) (*provider.Intent, error) {
	if req.Amount <= 0 {
		return nil, apperrors.InvalidInput("intent amount must be positive")
	}

	status := domain.IntentStatusSucceeded
	if req.Amount%100 == 99 {
		status = domain.IntentStatusRequiresPayment
	}

	id := "pi_" + uuid.New().String()
	intent := &provider.Intent{
		ID:           id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
		Status:       status,
	}

	p.mu.Lock()
	p.intents[id] = intent
	p.mu.Unlock()

	return intent, nil
}

// GetIntent fetches a previously created intent.
func (p *Provider) GetIntent(_ context.Context, intentID string) (*provider.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[intentID]
	if !ok {
		return nil, apperrors.NotFound("payment intent", intentID)
	}

	copied := *intent
	return &copied, nil
}

// SetIntentStatus overrides the state of an intent. Test helper.
func (p *Provider) SetIntentStatus(intentID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if intent, ok := p.intents[intentID]; ok {
		intent.Status = status
	}
}
