// Package directory joins consolidated credential users with hardware and
// Intune signals and classifies the device each user operates.
package directory

import (
	"context"
	"fmt"
	"strings"

	"helpdesk/assets/internal/credential"
	"helpdesk/assets/internal/device"
	"helpdesk/assets/internal/identity"
	"helpdesk/assets/internal/model"
)

// Source is the persistence needed to build the directory.
type Source interface {
	ListCredentials(ctx context.Context) ([]model.CredentialRecord, error)
	FetchUserCredentials(ctx context.Context, email string) ([]model.CredentialRecord, error)
	ListDeviceSignals(ctx context.Context) ([]model.DeviceSignal, error)
	DeviceSignalsForEmail(ctx context.Context, email string) ([]model.DeviceSignal, error)
}

// UserDevice is one classified user/device pairing. User is nil when the
// device signal has no credentials on file.
type UserDevice struct {
	Email  string
	Signal *model.DeviceSignal
	User   *identity.ConsolidatedUser
	Result device.Result
}

type Service struct {
	source Source
}

func NewService(source Source) *Service {
	return &Service{source: source}
}

func (s *Service) ConsolidatedUsers(ctx context.Context) ([]identity.ConsolidatedUser, error) {
	records, err := s.source.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return identity.Consolidate(records), nil
}

// UserCredentials returns the consolidated user for email. The bool is false
// when no credential with that email exists.
func (s *Service) UserCredentials(ctx context.Context, email string) (identity.ConsolidatedUser, bool, error) {
	records, err := s.source.FetchUserCredentials(ctx, email)
	if err != nil {
		return identity.ConsolidatedUser{}, false, fmt.Errorf("fetch credentials: %w", err)
	}
	user, ok := identity.Find(identity.Consolidate(records), email)
	return user, ok, nil
}

// UserDevices classifies every device signal, plus one entry for each user
// that has credentials but no inventory or Intune record.
func (s *Service) UserDevices(ctx context.Context) ([]UserDevice, error) {
	users, err := s.ConsolidatedUsers(ctx)
	if err != nil {
		return nil, err
	}
	signals, err := s.source.ListDeviceSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list device signals: %w", err)
	}

	byKey := make(map[string]*identity.ConsolidatedUser, len(users))
	for i := range users {
		byKey[identity.EmailKey(users[i].Email)] = &users[i]
	}

	seen := make(map[string]bool, len(signals))
	devices := make([]UserDevice, 0, len(signals)+len(users))
	for i := range signals {
		signal := &signals[i]
		key := identity.EmailKey(signal.Email)
		seen[key] = true
		user := byKey[key]
		devices = append(devices, UserDevice{
			Email:  signal.Email,
			Signal: signal,
			User:   user,
			Result: device.Classify(InputFor(signal, user)),
		})
	}
	for i := range users {
		user := &users[i]
		if seen[identity.EmailKey(user.Email)] {
			continue
		}
		devices = append(devices, UserDevice{
			Email:  user.Email,
			User:   user,
			Result: device.Classify(InputFor(nil, user)),
		})
	}
	return devices, nil
}

// ClassifyEmail classifies the devices of a single user. A user with neither
// credentials nor signals yields one insufficient-signal entry.
func (s *Service) ClassifyEmail(ctx context.Context, email string) ([]UserDevice, error) {
	email = strings.TrimSpace(email)
	user, hasUser, err := s.UserCredentials(ctx, email)
	if err != nil {
		return nil, err
	}
	signals, err := s.source.DeviceSignalsForEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("device signals: %w", err)
	}

	var userRef *identity.ConsolidatedUser
	if hasUser {
		userRef = &user
	}
	if len(signals) == 0 {
		return []UserDevice{{
			Email:  email,
			User:   userRef,
			Result: device.Classify(InputFor(nil, userRef)),
		}}, nil
	}
	devices := make([]UserDevice, 0, len(signals))
	for i := range signals {
		devices = append(devices, UserDevice{
			Email:  signals[i].Email,
			Signal: &signals[i],
			User:   userRef,
			Result: device.Classify(InputFor(&signals[i], userRef)),
		})
	}
	return devices, nil
}

// InputFor assembles classifier input from an inventory signal and the
// credentials of the same user. Either may be nil.
func InputFor(signal *model.DeviceSignal, user *identity.ConsolidatedUser) device.ClassificationInput {
	var in device.ClassificationInput
	if signal != nil {
		in.SerialNumber = signal.SerialNumber
		in.DeviceTypeOverride = signal.DeviceTypeOverride
		in.HasIntuneDevice = signal.HasIntuneDevice
	}
	if user != nil {
		in.VPNUsername, in.VPNPassword = firstValid(user.VPNCredentials)
		in.RDPUsername, in.RDPPassword = firstValid(user.RDPCredentials)
	}
	return in
}

// firstValid picks the first valid username and the first valid password,
// which may come from different records.
func firstValid(records []identity.CredentialRecord) (*string, *string) {
	var username, password *string
	for i := range records {
		if username == nil && credential.IsValidString(records[i].Username) {
			username = &records[i].Username
		}
		if password == nil && credential.IsValidString(records[i].Password) {
			password = &records[i].Password
		}
	}
	return username, password
}
