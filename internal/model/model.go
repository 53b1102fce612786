package model

import (
	"strings"
	"time"
)

type ServiceType string

const (
	ServiceVPN ServiceType = "VPN"
	ServiceRDP ServiceType = "RDP"
)

type CredentialRecord struct {
	ID          string
	Username    string
	Password    string
	ServiceType ServiceType
	Email       *string
	Notes       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeviceSignal is one hardware inventory or Intune enrolment row keyed by the
// lower-cased email of the assigned user.
type DeviceSignal struct {
	Email              string
	AssetTag           *string
	SerialNumber       *string
	DeviceTypeOverride *string
	HasIntuneDevice    bool
}

type DeviceChange struct {
	ID           string
	Email        string
	PreviousType *string
	NewType      string
	Reason       string
	ChangedAt    time.Time
}

type SchemaReport struct {
	Tables    map[string]bool
	Functions map[string]bool
	CheckedAt time.Time
}

// Ready reports whether every required table exists. Functions are optional.
func (r SchemaReport) Ready() bool {
	for _, ok := range r.Tables {
		if !ok {
			return false
		}
	}
	return true
}

// ParseServiceType accepts VPN and RDP in any case, surrounded by whitespace.
func ParseServiceType(value string) (ServiceType, bool) {
	switch ServiceType(strings.ToUpper(strings.TrimSpace(value))) {
	case ServiceVPN:
		return ServiceVPN, true
	case ServiceRDP:
		return ServiceRDP, true
	default:
		return "", false
	}
}
