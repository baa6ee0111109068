/*
contracts.go - External contract/config provider

The HR system of record owns employment contracts; this ledger only reads
them. Calls are read-only and idempotent to re-fetch, so the HTTP client
retries transient failures with backoff. Timeouts apply here and only here;
local ledger writes never block on the network.
*/
package accrual

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Contract is one employment contract as the provider reports it.
type Contract struct {
	UserID string     `json:"user_id"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"` // nil = open-ended

	AnnualVacationDays decimal.Decimal `json:"annual_vacation_days"`
	AnnualRolHours     decimal.Decimal `json:"annual_rol_hours"`

	// PartTimePercent scales the annual entitlements before strategy
	// evaluation. 100 is full time.
	PartTimePercent decimal.Decimal `json:"part_time_percent"`

	// Calculation modes resolve through the strategy registry.
	VacationMode   string `json:"vacation_mode"`
	VacationParams Params `json:"vacation_params"`
	RolMode        string `json:"rol_mode"`
	RolParams      Params `json:"rol_params"`
}

// ProratedVacationDays applies the part-time percentage.
func (c Contract) ProratedVacationDays() decimal.Decimal {
	return prorate(c.AnnualVacationDays, c.PartTimePercent)
}

// ProratedRolHours applies the part-time percentage.
func (c Contract) ProratedRolHours() decimal.Decimal {
	return prorate(c.AnnualRolHours, c.PartTimePercent)
}

func prorate(annual, percent decimal.Decimal) decimal.Decimal {
	if percent.IsZero() || percent.Equal(decimal.NewFromInt(100)) {
		return annual
	}
	return annual.Mul(percent).Div(decimal.NewFromInt(100))
}

// ContractProvider is the read side of the external HR system.
type ContractProvider interface {
	// ActiveContracts returns the user's contracts overlapping the window.
	ActiveContracts(ctx context.Context, userID string, from, to time.Time) ([]Contract, error)

	// Users lists every user the scheduled batch should visit.
	Users(ctx context.Context) ([]string, error)
}

// =============================================================================
// HTTP PROVIDER
// =============================================================================

// HTTPProvider talks to the contract service over its JSON API.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	retries int
	backoff time.Duration
	log     zerolog.Logger
}

func NewHTTPProvider(baseURL string, timeout time.Duration, retries int, log zerolog.Logger) *HTTPProvider {
	if retries < 1 {
		retries = 1
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 250 * time.Millisecond,
		log:     log.With().Str("component", "contract-provider").Logger(),
	}
}

func (p *HTTPProvider) ActiveContracts(ctx context.Context, userID string, from, to time.Time) ([]Contract, error) {
	endpoint := fmt.Sprintf("%s/users/%s/contracts?from=%s&to=%s",
		p.baseURL, url.PathEscape(userID),
		url.QueryEscape(from.Format("2006-01-02")),
		url.QueryEscape(to.Format("2006-01-02")))

	var contracts []Contract
	if err := p.getJSON(ctx, endpoint, &contracts); err != nil {
		return nil, fmt.Errorf("fetching contracts for %s: %w", userID, err)
	}
	return contracts, nil
}

func (p *HTTPProvider) Users(ctx context.Context) ([]string, error) {
	var users []string
	if err := p.getJSON(ctx, p.baseURL+"/users", &users); err != nil {
		return nil, fmt.Errorf("fetching user roster: %w", err)
	}
	return users, nil
}

// getJSON retries network errors and 5xx responses with doubling backoff.
// 4xx responses fail immediately: retrying a bad request cannot help.
func (p *HTTPProvider) getJSON(ctx context.Context, endpoint string, out any) error {
	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			p.log.Warn().Err(err).Int("attempt", attempt).Str("url", endpoint).
				Msg("contract provider request failed")
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("contract provider returned %d", resp.StatusCode)
			p.log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).
				Str("url", endpoint).Msg("contract provider server error")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("contract provider returned %d", resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}
	return lastErr
}

// StaticProvider serves a fixed contract set. Used in tests and for
// single-tenant deployments that configure contracts in a file.
type StaticProvider struct {
	Contracts map[string][]Contract
}

func (p *StaticProvider) ActiveContracts(_ context.Context, userID string, from, to time.Time) ([]Contract, error) {
	var active []Contract
	window := Period{Start: from, End: to}
	for _, c := range p.Contracts[userID] {
		if overlapDays(c, window) > 0 {
			active = append(active, c)
		}
	}
	return active, nil
}

func (p *StaticProvider) Users(context.Context) ([]string, error) {
	users := make([]string, 0, len(p.Contracts))
	for u := range p.Contracts {
		users = append(users, u)
	}
	return users, nil
}
