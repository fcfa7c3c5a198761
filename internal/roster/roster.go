// Package roster canonicalizes raw collected records into a Roster of
// fellow records keyed by a stable identity.
//
// Which source field is the stable identity varies per source and is often
// implicit in practice. Here it is an explicit ordered precedence list:
// the first field in the list that yields a non-empty value becomes the
// identity key. A record with no usable field is dropped with a warning,
// never a fatal error.
package roster

import (
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/fellowtrack/internal/collect"
)

// ErrUnstableIdentity is returned for a record from which no stable
// identity key could be derived.
var ErrUnstableIdentity = errors.New("roster: no stable identity field available")

// IdentityField names one candidate source of an identity key.
type IdentityField string

const (
	// IdentityProfileURL derives the key from the canonicalized profile URL.
	IdentityProfileURL IdentityField = "profile_url"
	// IdentitySourceID derives the key from the source-assigned record ID.
	IdentitySourceID IdentityField = "source_id"
	// IdentityDisplayName derives the key from the lowercased display name.
	// Least stable: renames look like a removal plus an addition.
	IdentityDisplayName IdentityField = "display_name"
)

// DefaultPrecedence is the default identity derivation order.
var DefaultPrecedence = []IdentityField{IdentityProfileURL, IdentitySourceID, IdentityDisplayName}

// FellowRecord is one canonicalized fellow.
type FellowRecord struct {
	IdentityKey string
	DisplayName string
	ProfileURL  string
	ObservedAt  time.Time
	Extra       map[string]string
}

// Roster is the complete deduplicated set of fellows for one connection at
// one point in time. Records are sorted by identity key and the key is
// unique within the roster. Immutable once built.
type Roster struct {
	ConnectionID string
	Records      []FellowRecord
}

// Keys returns the set of identity keys in the roster.
func (r *Roster) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(r.Records))
	for _, rec := range r.Records {
		keys[rec.IdentityKey] = struct{}{}
	}
	return keys
}

// Warning reports one record dropped during normalization.
type Warning struct {
	Record collect.RawRecord
	Err    error
}

// Normalizer maps raw records to FellowRecords.
type Normalizer struct {
	precedence []IdentityField
	logger     *slog.Logger
}

// New creates a Normalizer. An empty precedence uses DefaultPrecedence.
func New(precedence []IdentityField, logger *slog.Logger) *Normalizer {
	if len(precedence) == 0 {
		precedence = DefaultPrecedence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{precedence: precedence, logger: logger}
}

// Normalize builds a Roster from raw records. Key collisions within one
// pass keep the most recently observed record. Dropped records are
// returned as warnings.
func (n *Normalizer) Normalize(conn collect.ConnectionRef, raw []collect.RawRecord, observedAt time.Time) (*Roster, []Warning) {
	byKey := make(map[string]FellowRecord, len(raw))
	var warnings []Warning

	for _, r := range raw {
		key, err := n.deriveKey(r)
		if err != nil {
			n.logger.Warn("roster: dropping record",
				"connection_id", conn.ID, "display_name", r.DisplayName, "error", err)
			warnings = append(warnings, Warning{Record: r, Err: err})
			continue
		}
		// Later records win: raw input is in observation order.
		byKey[key] = FellowRecord{
			IdentityKey: key,
			DisplayName: strings.TrimSpace(r.DisplayName),
			ProfileURL:  r.ProfileURL,
			ObservedAt:  observedAt,
			Extra:       r.Extra,
		}
	}

	records := make([]FellowRecord, 0, len(byKey))
	for _, rec := range byKey {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].IdentityKey < records[j].IdentityKey
	})

	return &Roster{ConnectionID: conn.ID, Records: records}, warnings
}

func (n *Normalizer) deriveKey(r collect.RawRecord) (string, error) {
	for _, field := range n.precedence {
		switch field {
		case IdentityProfileURL:
			if canon := CanonicalURL(r.ProfileURL); canon != "" {
				return canon, nil
			}
		case IdentitySourceID:
			if id := strings.TrimSpace(r.SourceID); id != "" {
				return "id:" + id, nil
			}
		case IdentityDisplayName:
			if name := strings.TrimSpace(r.DisplayName); name != "" {
				return "name:" + strings.ToLower(name), nil
			}
		}
	}
	return "", ErrUnstableIdentity
}

// CanonicalURL reduces a profile URL to scheme, lowercased host, and path
// with no query, fragment, or trailing slash. Returns "" when the input
// does not parse as an absolute URL.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
