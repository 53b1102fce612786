package device

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"helpdesk/assets/internal/credential"
)

func genField() gopter.Gen {
	return gen.PtrOf(gen.OneGenOf(
		gen.OneConstOf("", "  ", "NA", "na", "N/A", " n/a ", "jdoe", "term1", "SN-0042"),
		gen.AlphaString(),
	))
}

func genOverride() gopter.Gen {
	return gen.PtrOf(gen.OneConstOf("thin_client", "full_pc", "unknown", "", "laptop", "FULL_PC"))
}

func genInput() gopter.Gen {
	return gopter.CombineGens(
		genField(),
		genField(),
		genField(),
		genField(),
		genField(),
		gen.Bool(),
		genOverride(),
	).Map(func(values []interface{}) ClassificationInput {
		// gen.PtrOf yields an untyped nil for absent values.
		serial, _ := values[0].(*string)
		vpnUser, _ := values[1].(*string)
		vpnPass, _ := values[2].(*string)
		rdpUser, _ := values[3].(*string)
		rdpPass, _ := values[4].(*string)
		override, _ := values[6].(*string)
		return ClassificationInput{
			SerialNumber:       serial,
			VPNUsername:        vpnUser,
			VPNPassword:        vpnPass,
			RDPUsername:        rdpUser,
			RDPPassword:        rdpPass,
			HasIntuneDevice:    values[5].(bool),
			DeviceTypeOverride: override,
		}
	})
}

func TestClassifierProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("explicit override always wins", prop.ForAll(
		func(in ClassificationInput) bool {
			override, ok := ParseOverride(in.DeviceTypeOverride)
			if !ok {
				return true
			}
			return DetermineDeviceType(in) == override
		},
		genInput(),
	))

	properties.Property("valid VPN credentials mean full PC", prop.ForAll(
		func(in ClassificationInput) bool {
			if _, ok := ParseOverride(in.DeviceTypeOverride); ok {
				return true
			}
			if !credential.IsValid(in.VPNUsername) && !credential.IsValid(in.VPNPassword) {
				return true
			}
			return DetermineDeviceType(in) == TypeFullPC
		},
		genInput(),
	))

	properties.Property("Intune device without serial or VPN means full PC", prop.ForAll(
		func(in ClassificationInput) bool {
			if _, ok := ParseOverride(in.DeviceTypeOverride); ok {
				return true
			}
			if credential.IsValid(in.SerialNumber) || credential.IsValid(in.VPNUsername) || credential.IsValid(in.VPNPassword) || !in.HasIntuneDevice {
				return true
			}
			return DetermineDeviceType(in) == TypeFullPC
		},
		genInput(),
	))

	properties.Property("no serial, VPN, Intune or RDP means thin client", prop.ForAll(
		func(in ClassificationInput) bool {
			if _, ok := ParseOverride(in.DeviceTypeOverride); ok {
				return true
			}
			if credential.IsValid(in.SerialNumber) || credential.IsValid(in.VPNUsername) || credential.IsValid(in.VPNPassword) ||
				in.HasIntuneDevice || credential.IsValid(in.RDPUsername) || credential.IsValid(in.RDPPassword) {
				return true
			}
			return DetermineDeviceType(in) == TypeThinClient
		},
		genInput(),
	))

	properties.Property("reason never contradicts the classification", prop.ForAll(
		func(in ClassificationInput) bool {
			fromReason, ok := TypeFromReason(DeviceTypeReason(in))
			return ok && fromReason == DetermineDeviceType(in)
		},
		genInput(),
	))

	properties.Property("unknown is never produced", prop.ForAll(
		func(in ClassificationInput) bool {
			return DetermineDeviceType(in) != TypeUnknown
		},
		genInput(),
	))

	properties.TestingRun(t)
}
