// Package knetparams builds the two string representations the gateway
// protocol requires: the alphabetically sorted hash input for signing and
// the position-sensitive parameter line for the encrypted payload. The two
// follow different rules (the signing string drops empty values, the wire
// string must not) and conflating them breaks verification silently.
package knetparams

import (
	"sort"
	"strings"
)

// EnglishToken is the language identifier the gateway parser accepts for
// English; two-letter codes are rejected.
const EnglishToken = "USA"

// Request carries one outbound parameter set in the protocol's mandated
// field order. Every field is serialized even when empty: the gateway
// parses the encrypted line by position.
type Request struct {
	TranportalID string
	Password     string
	Action       string
	Language     string
	Currency     string
	Amount       string
	ResponseURL  string
	ErrorURL     string
	TrackID      string
	UDF1         string
	UDF2         string
	UDF3         string
	UDF4         string
	UDF5         string

	// Hash, when set, is appended after udf5 so the fixed positions in
	// front of it are unchanged. Whether outbound requests carry a hash
	// at all is deployment-dependent.
	Hash string
}

// OrderedString renders the request as the &-joined key=value line fed to
// the encryption routine.
func (r Request) OrderedString() string {
	pairs := []struct{ k, v string }{
		{"id", r.TranportalID},
		{"password", r.Password},
		{"action", r.Action},
		{"langid", r.Language},
		{"currencycode", r.Currency},
		{"amt", r.Amount},
		{"responseURL", r.ResponseURL},
		{"errorURL", r.ErrorURL},
		{"trackid", r.TrackID},
		{"udf1", r.UDF1},
		{"udf2", r.UDF2},
		{"udf3", r.UDF3},
		{"udf4", r.UDF4},
		{"udf5", r.UDF5},
	}

	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.k)
		sb.WriteByte('=')
		sb.WriteString(p.v)
	}
	if r.Hash != "" {
		sb.WriteString("&hash=")
		sb.WriteString(r.Hash)
	}
	return sb.String()
}

// Fields returns the request as a map suitable for SigningString. The hash
// field is never part of its own input.
func (r Request) Fields() map[string]string {
	return map[string]string{
		"id":           r.TranportalID,
		"password":     r.Password,
		"action":       r.Action,
		"langid":       r.Language,
		"currencycode": r.Currency,
		"amt":          r.Amount,
		"responseURL":  r.ResponseURL,
		"errorURL":     r.ErrorURL,
		"trackid":      r.TrackID,
		"udf1":         r.UDF1,
		"udf2":         r.UDF2,
		"udf3":         r.UDF3,
		"udf4":         r.UDF4,
		"udf5":         r.UDF5,
	}
}

// SigningString builds the hash input: resource key followed by each value
// in case-insensitive alphabetical key order. The hash field and any value
// that is empty after trimming are excluded — the gateway computes its own
// digest the same way, so the filtering rule is load-bearing.
func SigningString(fields map[string]string, resourceKey string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if strings.EqualFold(k, "hash") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if a == b {
			return keys[i] < keys[j]
		}
		return a < b
	})

	var sb strings.Builder
	sb.WriteString(resourceKey)
	for _, k := range keys {
		v := fields[k]
		if strings.TrimSpace(v) == "" {
			continue
		}
		sb.WriteString(v)
	}
	return sb.String()
}

// NormalizeLanguage rewrites English-equivalent inputs to the token the
// gateway requires; anything else passes through trimmed.
func NormalizeLanguage(lang string) string {
	l := strings.TrimSpace(lang)
	switch strings.ToLower(l) {
	case "en", "eng", "english", strings.ToLower(EnglishToken):
		return EnglishToken
	}
	return l
}
