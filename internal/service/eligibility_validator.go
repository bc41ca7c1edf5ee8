package service

import (
	"context"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/sdk-batch-processor/internal/adapter"
	"github.com/sdk-batch-processor/internal/errors"
)

// Eligibility is a validated app with the campaigns it earns in
type Eligibility struct {
	AppID     string
	Campaigns []*big.Int
}

// EligibilityValidator decodes the app id from calldata and checks the app against the ledger
type EligibilityValidator struct {
	ledger adapter.LedgerReader
}

// NewEligibilityValidator creates an eligibility validator
func NewEligibilityValidator(ledger adapter.LedgerReader) *EligibilityValidator {
	return &EligibilityValidator{ledger: ledger}
}

// DecodeAppID reads the app id carried as UTF-8 calldata
func DecodeAppID(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.NewDecodeError("calldata is not valid UTF-8")
	}
	appID := strings.TrimFunc(string(data), func(r rune) bool {
		return r == 0 || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if appID == "" {
		return "", errors.NewDecodeError("calldata is empty")
	}
	return appID, nil
}

// Validate returns the app and its campaigns, or a decode, unregistered-app or no-campaign error
func (v *EligibilityValidator) Validate(ctx context.Context, data []byte) (*Eligibility, error) {
	appID, err := DecodeAppID(data)
	if err != nil {
		return nil, err
	}

	registered, err := v.ledger.IsAppRegistered(ctx, appID)
	if err != nil {
		return nil, adapter.ClassifyRPCError(adapter.FnRegisteredApps, err)
	}
	if !registered {
		return nil, errors.NewUnregisteredAppError(appID)
	}

	campaigns, err := v.ledger.GetAppRegisteredCampaigns(ctx, appID)
	if err != nil {
		return nil, adapter.ClassifyRPCError(adapter.FnGetAppRegisteredCampaigns, err)
	}
	if len(campaigns) == 0 {
		return nil, errors.NewNoCampaignError(appID)
	}

	return &Eligibility{AppID: appID, Campaigns: campaigns}, nil
}
