// Package device classifies the workstation a user operates from the
// credentials and inventory signals on file for them.
package device

// Type is the classification result for one user/device pairing.
type Type string

const (
	TypeThinClient Type = "thin_client"
	TypeFullPC     Type = "full_pc"
	TypeUnknown    Type = "unknown"
)

// String returns the string representation of the device type
func (t Type) String() string {
	return string(t)
}

// Label is the display name used as the prefix of every reason.
func (t Type) Label() string {
	switch t {
	case TypeThinClient:
		return "Thin Client"
	case TypeFullPC:
		return "Full PC"
	default:
		return "Unknown"
	}
}

// ParseOverride returns the type named by an explicit inventory override.
// Only the two literal values are authoritative.
func ParseOverride(value *string) (Type, bool) {
	if value == nil {
		return "", false
	}
	switch Type(*value) {
	case TypeThinClient, TypeFullPC:
		return Type(*value), true
	default:
		return "", false
	}
}

// ClassificationInput aggregates the signals known for one user/device pairing.
// Nil fields are treated as absent.
type ClassificationInput struct {
	SerialNumber       *string `json:"serialNumber,omitempty"`
	VPNUsername        *string `json:"vpnUsername,omitempty"`
	VPNPassword        *string `json:"vpnPassword,omitempty"`
	RDPUsername        *string `json:"rdpUsername,omitempty"`
	RDPPassword        *string `json:"rdpPassword,omitempty"`
	HasIntuneDevice    bool    `json:"hasIntuneDevice"`
	DeviceTypeOverride *string `json:"deviceType,omitempty"`
}

// Rule identifies the branch of the classifier that produced a result.
type Rule string

const (
	RuleOverride           Rule = "override"
	RuleVPN                Rule = "vpn"
	RuleIntuneNoSerial     Rule = "intune_no_serial"
	RuleRDPOnly            Rule = "rdp_only"
	RuleNoSignal           Rule = "no_signal"
	RuleSerialIntune       Rule = "serial_intune"
	RuleSerialRDP          Rule = "serial_rdp"
	RuleSerialOnly         Rule = "serial_only"
	RuleSerialVPN          Rule = "serial_vpn"
	RuleInsufficientSignal Rule = "insufficient"
)

// Result is a classification together with its explanation.
type Result struct {
	Type   Type   `json:"deviceType"`
	Reason string `json:"reason"`
	Rule   Rule   `json:"rule"`
}
