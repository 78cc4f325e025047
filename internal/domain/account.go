/**
 * @description
 * Account and community models for the ledger-service.
 *
 * @notes
 * - Balances are int64 counts of whole local-currency units. The local
 *   currency has no sub-unit.
 * - A community is a closed set. Each one carries its own currency label.
 */

package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownCommunity is returned by ParseCommunity for names outside the closed set.
var ErrUnknownCommunity = errors.New("unknown community")

// Community identifies the closed group an account trades in.
type Community string

const (
	CommunityBameka       Community = "BAMEKA"
	CommunityBatoufam     Community = "BATOUFAM"
	CommunityFondjomekwet Community = "FONDJOMEKWET"
)

var currencyLabels = map[Community]string{
	CommunityBameka:       "MUNKAP",
	CommunityBatoufam:     "MBIP TSWEFAP",
	CommunityFondjomekwet: "MBAM",
}

// ParseCommunity canonicalizes user input (trim + upper-case) and rejects unknown names.
func ParseCommunity(raw string) (Community, error) {
	c := Community(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := currencyLabels[c]; !ok {
		return "", ErrUnknownCommunity
	}
	return c, nil
}

// CurrencyLabel is the display name of the community's local currency.
func (c Community) CurrencyLabel() string {
	return currencyLabels[c]
}

// Communities lists every supported community in a stable order.
func Communities() []Community {
	return []Community{CommunityBameka, CommunityBatoufam, CommunityFondjomekwet}
}

// Account maps to the `accounts` table.
type Account struct {
	Identity         string     `json:"identity"` // phone number
	DisplayName      string     `json:"display_name"`
	Community        Community  `json:"community"`
	LocalBalance     int64      `json:"local_balance"`
	SettlementHandle *string    `json:"settlement_handle,omitempty"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Linked reports whether the settlement authority knows this account.
func (a *Account) Linked() bool {
	return a.SettlementHandle != nil && strings.TrimSpace(*a.SettlementHandle) != ""
}

// Active reports whether the account can still send or receive transfers.
func (a *Account) Active() bool {
	return a.DeactivatedAt == nil
}

// GrantReasonSignupBonus tags the one-off balance grant given to new accounts.
const GrantReasonSignupBonus = "signup_bonus"

// BalanceGrant records value created outside the transfer path. Grants are the
// only balance changes that do not conserve value, so each one is persisted.
type BalanceGrant struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"identity"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BalanceView is returned by balance queries. External fields are best effort.
type BalanceView struct {
	Identity          string    `json:"identity"`
	Community         Community `json:"community"`
	CurrencyLabel     string    `json:"currency_label"`
	LocalBalance      int64     `json:"local_balance"`
	ExternalBalance   *int64    `json:"external_balance,omitempty"`
	ExternalCurrency  string    `json:"external_currency,omitempty"`
	ExternalAvailable bool      `json:"external_available"`
}
