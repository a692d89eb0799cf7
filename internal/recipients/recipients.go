// Package recipients normalizes uploaded recipient lists (CSV or JSON) into
// validated {email, name} pairs.
package recipients

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

var (
	// ErrInvalidFormat is returned when the input cannot be parsed as a
	// recipient list at all.
	ErrInvalidFormat = errors.New("invalid recipient list format")
	// ErrNoValidRecipients is returned when validation leaves nothing to send to.
	ErrNoValidRecipients = errors.New("no valid recipients")
)

// Header synonyms, checked in priority order after normalization.
var (
	emailHeaders = []string{"email", "e-mail", "email address", "email_address", "emailaddress", "mail"}
	nameHeaders  = []string{"name", "full name", "fullname", "full_name", "first name", "first_name", "firstname"}
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Result is the outcome of validating a parsed list.
type Result struct {
	Valid   []domain.RecipientInput
	Invalid int
}

// Parse reads a recipient list, choosing the JSON or CSV path from the
// content type. Anything that is not JSON is treated as CSV.
func Parse(contentType string, r io.Reader) ([]domain.RecipientInput, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		return ParseJSON(r)
	}
	return ParseCSV(r)
}

// ParseCSV reads a header row followed by data rows. Rows without an email
// value are skipped. Output order matches input order; duplicates are kept.
func ParseCSV(r io.Reader) ([]domain.RecipientInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	emailIdx, nameIdx := mapColumns(header)
	if emailIdx < 0 {
		return nil, fmt.Errorf("%w: no email column in header %q", ErrInvalidFormat, strings.Join(header, ","))
	}

	var out []domain.RecipientInput
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if emailIdx >= len(row) {
			continue
		}
		email := strings.ToLower(strings.TrimSpace(row[emailIdx]))
		if email == "" {
			continue
		}
		rec := domain.RecipientInput{Email: email}
		if nameIdx >= 0 && nameIdx < len(row) {
			rec.Name = strings.TrimSpace(row[nameIdx])
		}
		out = append(out, rec)
	}
	return out, nil
}

// ParseJSON reads a JSON array of objects carrying an address under one of
// the accepted email keys.
func ParseJSON(r io.Reader) ([]domain.RecipientInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	var rows []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: expected an array of objects: %v", ErrInvalidFormat, err)
	}
	return FromMaps(rows)
}

// FromMaps converts pre-structured rows into recipient inputs. Every row
// must carry a string address under one of the email keys.
func FromMaps(rows []map[string]any) ([]domain.RecipientInput, error) {
	out := make([]domain.RecipientInput, 0, len(rows))
	for i, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		emailKey, nameKey := lookupKeys(keys)
		if emailKey == "" {
			return nil, fmt.Errorf("%w: entry %d has no email field", ErrInvalidFormat, i)
		}
		email, ok := row[emailKey].(string)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d email is not a string", ErrInvalidFormat, i)
		}
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		rec := domain.RecipientInput{Email: email}
		if nameKey != "" {
			if name, ok := row[nameKey].(string); ok {
				rec.Name = strings.TrimSpace(name)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Validate normalizes addresses and filters out those failing the syntax
// check. It returns ErrNoValidRecipients if nothing survives.
func Validate(in []domain.RecipientInput) (Result, error) {
	res := Result{Valid: make([]domain.RecipientInput, 0, len(in))}
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if !IsValidEmail(email) {
			res.Invalid++
			continue
		}
		res.Valid = append(res.Valid, domain.RecipientInput{Email: email, Name: strings.TrimSpace(r.Name)})
	}
	if len(res.Valid) == 0 {
		return res, ErrNoValidRecipients
	}
	return res, nil
}

// IsValidEmail reports whether s looks like an email address.
func IsValidEmail(s string) bool {
	return len(s) <= 254 && emailRegex.MatchString(s)
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.Trim(strings.TrimSpace(h), "\"'")
	return strings.ToLower(h)
}

// mapColumns resolves the email and name column indices from a header row.
// Exact synonyms win in priority order; failing that, any header containing
// "email" is taken as the address column.
func mapColumns(header []string) (emailIdx, nameIdx int) {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = normalizeHeader(h)
	}
	emailIdx = indexOfFirst(normalized, emailHeaders)
	nameIdx = indexOfFirst(normalized, nameHeaders)
	if emailIdx < 0 {
		for i, h := range normalized {
			if strings.Contains(h, "email") {
				emailIdx = i
				break
			}
		}
	}
	return emailIdx, nameIdx
}

func lookupKeys(keys []string) (emailKey, nameKey string) {
	normalized := make([]string, len(keys))
	for i, k := range keys {
		normalized[i] = normalizeHeader(k)
	}
	if i := indexOfFirst(normalized, emailHeaders); i >= 0 {
		emailKey = keys[i]
	}
	if i := indexOfFirst(normalized, nameHeaders); i >= 0 {
		nameKey = keys[i]
	}
	return emailKey, nameKey
}

func indexOfFirst(headers, synonyms []string) int {
	for _, syn := range synonyms {
		for i, h := range headers {
			if h == syn {
				return i
			}
		}
	}
	return -1
}
