// Package verification checks chain references against payment intents.
package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/logger"
	"github.com/vitwit/cryptopay/metrics"
	"github.com/vitwit/cryptopay/types"
)

// Validator checks one reference against the expected amount and merchant.
// Source failures are folded into the returned verdict, never returned.
type Validator interface {
	Validate(ctx context.Context, reference string, expected decimal.Decimal, merchant string) types.ValidationResult
	Asset() types.Asset
}

// VerificationService routes validation to the validator of each network.
type VerificationService struct {
	mu         sync.RWMutex
	validators map[types.Network]Validator
	timeout    time.Duration
	log        logger.Logger
	metrics    metrics.Recorder
}

// NewVerificationService creates a new verification service
func NewVerificationService(timeout time.Duration, log logger.Logger, rec metrics.Recorder) *VerificationService {
	return &VerificationService{
		validators: make(map[types.Network]Validator),
		timeout:    timeout,
		log:        logger.OrNoop(log),
		metrics:    metrics.OrNoop(rec),
	}
}

// AddValidator registers v for network, replacing any previous one.
func (s *VerificationService) AddValidator(network types.Network, v Validator) error {
	if network.Family() == "" {
		return types.NewError(types.ErrUnsupportedNetwork, fmt.Sprintf("unsupported network: %s", network))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[network] = v
	return nil
}

func (s *VerificationService) validator(network types.Network) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[network]
	return v, ok
}

// Validate runs the network's validator under the service timeout. The only
// error is a missing validator; every chain outcome is in the result.
func (s *VerificationService) Validate(
	ctx context.Context,
	network types.Network,
	reference string,
	expected decimal.Decimal,
	merchant string,
) (types.ValidationResult, error) {
	v, ok := s.validator(network)
	if !ok {
		return types.ValidationResult{}, types.NewError(types.ErrUnsupportedNetwork,
			fmt.Sprintf("no validator configured for network %s", network))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	res := v.Validate(ctx, reference, expected, merchant)
	labels := map[string]string{"network": network.String()}
	s.metrics.ObserveLatency(metrics.OperationValidate, time.Since(start), labels)
	s.metrics.IncCounter(metrics.ValidationPrefix+lowerStatus(res.Status), labels)

	fields := map[string]any{
		"network":   network.String(),
		"reference": reference,
		"status":    res.Status.String(),
		"expected":  expected.String(),
	}
	if res.Reason != "" {
		fields["reason"] = res.Reason
	}
	if res.ReceivedAmount != nil {
		fields["received"] = res.ReceivedAmount.String()
	}
	s.log.Info("validation verdict", fields)

	return res, nil
}

// ValidateWithRetry repeats Validate while the verdict stays PENDING.
func (s *VerificationService) ValidateWithRetry(
	ctx context.Context,
	network types.Network,
	reference string,
	expected decimal.Decimal,
	merchant string,
	maxRetries int,
	retryDelay time.Duration,
) (types.ValidationResult, error) {
	var res types.ValidationResult
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, nil
			case <-time.After(retryDelay):
			}
		}

		res, err = s.Validate(ctx, network, reference, expected, merchant)
		if err != nil || !res.Retryable() {
			return res, err
		}
	}
	return res, nil
}

// Asset returns the asset settled on network.
func (s *VerificationService) Asset(network types.Network) (types.Asset, bool) {
	v, ok := s.validator(network)
	if !ok {
		return types.Asset{}, false
	}
	return v.Asset(), true
}

// GetSupportedNetworks returns all networks that have configured validators
func (s *VerificationService) GetSupportedNetworks() []types.Network {
	s.mu.RLock()
	defer s.mu.RUnlock()

	networks := make([]types.Network, 0, len(s.validators))
	for network := range s.validators {
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// IsNetworkSupported checks if a network is supported
func (s *VerificationService) IsNetworkSupported(network types.Network) bool {
	_, ok := s.validator(network)
	return ok
}

func lowerStatus(s types.IntentStatus) string {
	switch s {
	case types.StatusValidated:
		return "validated"
	case types.StatusPartialPayment:
		return "partial_payment"
	case types.StatusRefused:
		return "refused"
	case types.StatusPending:
		return "pending"
	}
	return "unknown"
}
