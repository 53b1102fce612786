// Package identity merges VPN and RDP credential records that share an email
// address into one logical user.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"helpdesk/assets/internal/model"
)

type CredentialRecord = model.CredentialRecord

// ConsolidatedUser is derived on every fetch and never persisted.
type ConsolidatedUser struct {
	ID             string
	Email          string
	VPNCredentials []CredentialRecord
	RDPCredentials []CredentialRecord
	AllCredentials []CredentialRecord
	HasVPN         bool
	HasRDP         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EmailKey is the grouping key for an email address.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Consolidate groups records by case-insensitive, trimmed email. Records
// without an email, or with a service type other than VPN/RDP, cannot be
// grouped and are dropped. The first record seen under a key provides the
// user ID and display email. Users are ordered by email.
func Consolidate(records []CredentialRecord) []ConsolidatedUser {
	byKey := make(map[string]*ConsolidatedUser)
	keys := make([]string, 0)

	for _, record := range records {
		if record.Email == nil || strings.TrimSpace(*record.Email) == "" {
			continue
		}
		service, ok := model.ParseServiceType(string(record.ServiceType))
		if !ok {
			continue
		}
		key := EmailKey(*record.Email)

		user, exists := byKey[key]
		if !exists {
			user = &ConsolidatedUser{
				ID:        record.ID,
				Email:     *record.Email,
				CreatedAt: record.CreatedAt,
				UpdatedAt: record.UpdatedAt,
			}
			byKey[key] = user
			keys = append(keys, key)
		} else {
			if record.CreatedAt.Before(user.CreatedAt) {
				user.CreatedAt = record.CreatedAt
			}
			if record.UpdatedAt.After(user.UpdatedAt) {
				user.UpdatedAt = record.UpdatedAt
			}
		}

		switch service {
		case model.ServiceVPN:
			user.VPNCredentials = append(user.VPNCredentials, record)
			user.HasVPN = true
		case model.ServiceRDP:
			user.RDPCredentials = append(user.RDPCredentials, record)
			user.HasRDP = true
		}
		user.AllCredentials = append(user.AllCredentials, record)
	}

	users := make([]ConsolidatedUser, 0, len(keys))
	for _, key := range keys {
		users = append(users, *byKey[key])
	}

	col := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(users, func(i, j int) bool {
		if c := col.CompareString(users[i].Email, users[j].Email); c != 0 {
			return c < 0
		}
		return EmailKey(users[i].Email) < EmailKey(users[j].Email)
	})
	return users
}

// Find returns the consolidated user for email, if any.
func Find(users []ConsolidatedUser, email string) (ConsolidatedUser, bool) {
	key := EmailKey(email)
	for _, user := range users {
		if EmailKey(user.Email) == key {
			return user, true
		}
	}
	return ConsolidatedUser{}, false
}

// CredentialsSummary renders the per-service counts, e.g. "2 VPN + 1 RDP".
func CredentialsSummary(user ConsolidatedUser) string {
	parts := make([]string, 0, 2)
	if n := len(user.VPNCredentials); n > 0 {
		parts = append(parts, fmt.Sprintf("%d VPN", n))
	}
	if n := len(user.RDPCredentials); n > 0 {
		parts = append(parts, fmt.Sprintf("%d RDP", n))
	}
	if len(parts) == 0 {
		return "No credentials"
	}
	return strings.Join(parts, " + ")
}
