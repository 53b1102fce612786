package device

import (
	"strings"

	"helpdesk/assets/internal/credential"
)

// Classify evaluates the classification rules top to bottom; the first
// matching rule wins. Later rules encode exceptions to earlier ones, so the
// order must not change.
func Classify(in ClassificationInput) Result {
	if override, ok := ParseOverride(in.DeviceTypeOverride); ok {
		return result(override, RuleOverride, "Manually classified in hardware inventory")
	}

	hasValidSerial := credential.IsValid(in.SerialNumber)
	hasValidVPN := credential.IsValid(in.VPNUsername) || credential.IsValid(in.VPNPassword)
	hasValidRDP := credential.IsValid(in.RDPUsername) || credential.IsValid(in.RDPPassword)

	if hasValidVPN {
		return result(TypeFullPC, RuleVPN, "Has VPN credentials for remote access")
	}

	if !hasValidSerial && !hasValidVPN {
		if in.HasIntuneDevice {
			return result(TypeFullPC, RuleIntuneNoSerial, "Device managed in Intune (no serial number or VPN on file)")
		}
		if hasValidRDP {
			return result(TypeThinClient, RuleRDPOnly, "RDP access only, with no serial number, VPN or Intune device")
		}
		return result(TypeThinClient, RuleNoSignal, "No serial number, VPN or Intune device on file")
	}

	if hasValidSerial && !hasValidVPN {
		if in.HasIntuneDevice {
			return result(TypeFullPC, RuleSerialIntune, "Has serial number and is managed in Intune")
		}
		if hasValidRDP {
			return result(TypeThinClient, RuleSerialRDP, "Has serial number but only RDP access")
		}
		return result(TypeFullPC, RuleSerialOnly, "Has serial number with no thin client indicators")
	}

	// Unreachable: a valid VPN already returned above.
	if hasValidSerial && hasValidVPN {
		return result(TypeFullPC, RuleSerialVPN, "Has serial number and VPN credentials")
	}

	return result(TypeUnknown, RuleInsufficientSignal, "Insufficient information to classify device")
}

// DetermineDeviceType returns the classification for in.
func DetermineDeviceType(in ClassificationInput) Type {
	return Classify(in).Type
}

// DeviceTypeReason returns the human readable justification for the
// classification of in.
func DeviceTypeReason(in ClassificationInput) string {
	return Classify(in).Reason
}

// TypeFromReason recovers the type a reason string was produced for.
func TypeFromReason(reason string) (Type, bool) {
	for _, t := range []Type{TypeThinClient, TypeFullPC, TypeUnknown} {
		if strings.HasPrefix(reason, t.Label()+": ") {
			return t, true
		}
	}
	return "", false
}

func result(t Type, rule Rule, detail string) Result {
	return Result{Type: t, Rule: rule, Reason: t.Label() + ": " + detail}
}
