package value

import (
	"encoding/base64"
	"regexp"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/fluxbase/fluxbase/internal/fault"
)

const (
	// StorageIDPrefix discriminates blob-store IDs from document IDs.
	StorageIDPrefix = "kg"

	encodedIDLen = 22 // 16 bytes, URL-safe base64, no padding
)

const base64URLAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var (
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Reserved table names (beyond the general "_" prefix rule).
var reservedTables = map[string]bool{
	"_documents":       true,
	"_schema_versions": true,
	"_metadata":        true,
}

// NewDocumentID returns a fresh document ID: 16 random bytes encoded as
// URL-safe base64 without padding, with the first character replaced by a
// tag derived from the table name. The tag sacrifices six bits of entropy
// to make IDs visually groupable per table.
func NewDocumentID(table string) string {
	u := uuid.New()
	enc := base64.RawURLEncoding.EncodeToString(u[:])
	tag := base64URLAlphabet[xxh3.HashString(table)%64]
	return string(tag) + enc[1:]
}

// NewStorageID returns a blob-store ID: a document ID behind the "kg"
// discriminator prefix.
func NewStorageID() string {
	u := uuid.New()
	return StorageIDPrefix + base64.RawURLEncoding.EncodeToString(u[:])
}

// ValidateID checks that id is non-empty and drawn from the URL-safe
// alphabet. It does not check existence.
func ValidateID(id string) error {
	if id == "" {
		return fault.New(fault.InvalidIdentifier, "document id must not be empty")
	}
	if !idPattern.MatchString(id) {
		return fault.New(fault.InvalidIdentifier, "document id contains invalid characters")
	}
	return nil
}

// ValidateIdentifier checks a table or field name against the identifier
// alphabet. Leading underscores pass here; table-level reservation is
// enforced by ValidateTableName.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fault.New(fault.InvalidIdentifier, "invalid identifier %q", name)
	}
	return nil
}

// ValidateTableName checks a user table name: identifier alphabet, no
// reserved prefix, not a reserved system table.
func ValidateTableName(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if name[0] == '_' || reservedTables[name] {
		return fault.New(fault.ReservedTable, "table name %q is reserved", name)
	}
	return nil
}
