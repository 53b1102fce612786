// Package importer reads credential spreadsheets exported as CSV.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"helpdesk/assets/internal/credential"
	"helpdesk/assets/internal/model"
)

var ErrMissingColumns = errors.New("missing_columns")

type Format string

const (
	// FormatWide has one row per user with VPN and RDP columns side by side.
	FormatWide Format = "wide"
	// FormatNarrow has one row per credential with a service_type column.
	FormatNarrow Format = "narrow"
)

var (
	wideColumns   = []string{"email", "vpn_username", "vpn_password", "rdp_username", "rdp_password"}
	narrowColumns = []string{"email", "username", "password", "service_type"}
)

type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type Result struct {
	Format  Format
	Records []model.CredentialRecord
	Errors  []RowError
	// Skipped counts credential sides left out because both cells were blank or NA.
	Skipped int
}

// Parse reads a header row and then one credential row per line. Row level
// problems are collected in Result.Errors and parsing continues.
func Parse(r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Result{}, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return Result{}, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, exists := index[name]; !exists {
			index[name] = i
		}
	}

	var result Result
	switch {
	case hasColumns(index, wideColumns):
		result.Format = FormatWide
	case hasColumns(index, narrowColumns):
		result.Format = FormatNarrow
	default:
		return Result{}, fmt.Errorf("%w: expected %s or %s", ErrMissingColumns, strings.Join(wideColumns, ","), strings.Join(narrowColumns, ","))
	}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				result.Errors = append(result.Errors, RowError{Line: parseErr.StartLine, Reason: "malformed_row"})
				continue
			}
			return Result{}, err
		}
		line, _ := reader.FieldPos(0)
		if isBlank(row) {
			continue
		}
		cell := func(name string) string {
			i, ok := index[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		email := cell("email")
		if !credential.IsValidString(email) {
			result.Errors = append(result.Errors, RowError{Line: line, Reason: "missing_email"})
			continue
		}
		notes := optional(cell("notes"))

		switch result.Format {
		case FormatWide:
			added := 0
			for _, side := range []struct {
				service            model.ServiceType
				username, password string
			}{
				{model.ServiceVPN, cell("vpn_username"), cell("vpn_password")},
				{model.ServiceRDP, cell("rdp_username"), cell("rdp_password")},
			} {
				if !credential.IsValidString(side.username) && !credential.IsValidString(side.password) {
					result.Skipped++
					continue
				}
				result.Records = append(result.Records, newRecord(email, side.username, side.password, side.service, notes))
				added++
			}
			if added == 0 {
				result.Errors = append(result.Errors, RowError{Line: line, Reason: "no_credentials"})
			}
		case FormatNarrow:
			service, ok := model.ParseServiceType(cell("service_type"))
			if !ok {
				result.Errors = append(result.Errors, RowError{Line: line, Reason: "invalid_service_type"})
				continue
			}
			username, password := cell("username"), cell("password")
			if !credential.IsValidString(username) && !credential.IsValidString(password) {
				result.Skipped++
				result.Errors = append(result.Errors, RowError{Line: line, Reason: "no_credentials"})
				continue
			}
			result.Records = append(result.Records, newRecord(email, username, password, service, notes))
		}
	}
	return result, nil
}

func newRecord(email, username, password string, service model.ServiceType, notes *string) model.CredentialRecord {
	return model.CredentialRecord{
		Username:    username,
		Password:    password,
		ServiceType: service,
		Email:       &email,
		Notes:       notes,
	}
}

func hasColumns(index map[string]int, columns []string) bool {
	for _, column := range columns {
		if _, ok := index[column]; !ok {
			return false
		}
	}
	return true
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isBlank(row []string) bool {
	for _, value := range row {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
