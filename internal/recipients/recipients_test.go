package recipients

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

func TestParseCSVDropsRowsWithoutEmail(t *testing.T) {
	in := "email,name\nfoo@bar.com,Foo\n,NoEmail\nbaz@qux.com,Baz"

	got, err := ParseCSV(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, []domain.RecipientInput{
		{Email: "foo@bar.com", Name: "Foo"},
		{Email: "baz@qux.com", Name: "Baz"},
	}, got)
}

func TestParseCSVHeaderSynonyms(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect domain.RecipientInput
	}{
		{"uppercase", "EMAIL,NAME\nA@X.com,Alice", domain.RecipientInput{Email: "a@x.com", Name: "Alice"}},
		{"e-mail", "Full Name,E-mail\nBob,b@x.com", domain.RecipientInput{Email: "b@x.com", Name: "Bob"}},
		{"email address", "Email Address,fullname\nc@x.com,Carol", domain.RecipientInput{Email: "c@x.com", Name: "Carol"}},
		{"contains email fallback", "id,work email\n1,d@x.com", domain.RecipientInput{Email: "d@x.com"}},
		{"quoted header with spaces", "\" email \",name\ne@x.com,Eve", domain.RecipientInput{Email: "e@x.com", Name: "Eve"}},
		{"bom", "\ufeffemail,name\nf@x.com,Fay", domain.RecipientInput{Email: "f@x.com", Name: "Fay"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCSV(strings.NewReader(tc.input))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tc.expect, got[0])
		})
	}
}

func TestParseCSVKeepsOrderAndDuplicates(t *testing.T) {
	got, err := ParseCSV(strings.NewReader("email\nz@x.com\na@x.com\nz@x.com\n"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "z@x.com", got[0].Email)
	assert.Equal(t, "a@x.com", got[1].Email)
	assert.Equal(t, "z@x.com", got[2].Email)
}

func TestParseCSVInvalidFormat(t *testing.T) {
	tests := map[string]string{
		"empty":           "",
		"no email column": "name,phone\nAlice,123\n",
		"unclosed quote":  "email,name\n\"foo@bar.com,Foo\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCSV(strings.NewReader(input))
			assert.True(t, errors.Is(err, ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestParseJSON(t *testing.T) {
	got, err := ParseJSON(strings.NewReader(`[{"email":"A@x.com","name":"Alice"},{"Email":"b@x.com"}]`))
	require.NoError(t, err)
	assert.Equal(t, []domain.RecipientInput{
		{Email: "a@x.com", Name: "Alice"},
		{Email: "b@x.com"},
	}, got)
}

func TestParseJSONInvalidFormat(t *testing.T) {
	tests := map[string]string{
		"not an array":     `{"email":"a@x.com"}`,
		"array of strings": `["a@x.com"]`,
		"missing address":  `[{"name":"Alice"}]`,
		"address not text": `[{"email":42}]`,
		"truncated":        `[{"email":"a@x.com"`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON(strings.NewReader(input))
			assert.True(t, errors.Is(err, ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestParseDispatchesOnContentType(t *testing.T) {
	got, err := Parse("application/json; charset=utf-8", strings.NewReader(`[{"email":"a@x.com"}]`))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = Parse("text/csv", strings.NewReader("email\na@x.com\nb@x.com"))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestValidate(t *testing.T) {
	res, err := Validate([]domain.RecipientInput{
		{Email: " Good@Example.com ", Name: " Good "},
		{Email: "not-an-email"},
		{Email: "missing@tld"},
		{Email: "ok@x.io"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, []domain.RecipientInput{
		{Email: "good@example.com", Name: "Good"},
		{Email: "ok@x.io"},
	}, res.Valid)
}

func TestValidateNoValidRecipients(t *testing.T) {
	res, err := Validate([]domain.RecipientInput{{Email: "nope"}})
	assert.ErrorIs(t, err, ErrNoValidRecipients)
	assert.Equal(t, 1, res.Invalid)

	_, err = Validate(nil)
	assert.ErrorIs(t, err, ErrNoValidRecipients)
}
