package fiscal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// AccessKey is the deterministic 44-digit identifier of one invoice.
// Layout: cUF(2) AAMM(4) CNPJ(14) mod(2) serie(3) nNF(9) tpEmis(1) cNF(8) cDV(1)
type AccessKey string

// DocumentModel is the fiscal document model code for NF-e
const DocumentModel = 55

// AccessKeyParams holds the inputs the key is derived from
type AccessKeyParams struct {
	StateCode      int       // cUF, IBGE state code of the issuer
	IssuerTaxID    string    // CNPJ, 14 digits
	Series         int       // serie, 0..999
	DocumentNumber int64     // nNF, 1..999_999_999
	DocumentID     uuid.UUID // seeds the numeric code so re-signing is deterministic
	EmissionDate   time.Time // contributes AAMM
	Contingency    bool      // tpEmis 9 instead of 1
}

// ComputeAccessKey derives the access key for a document. The same logical
// document always yields the same key: the cNF code is derived from the
// document ID instead of a random draw.
func ComputeAccessKey(p AccessKeyParams) (AccessKey, error) {
	if p.StateCode < 11 || p.StateCode > 53 {
		return "", shared.NewDomainError("INVALID_STATE_CODE", "State code must be a valid IBGE code")
	}
	if len(p.IssuerTaxID) != 14 {
		return "", shared.NewDomainError("INVALID_ISSUER", "Issuer tax ID must have 14 digits")
	}
	for _, c := range p.IssuerTaxID {
		if c < '0' || c > '9' {
			return "", shared.NewDomainError("INVALID_ISSUER", "Issuer tax ID must be numeric")
		}
	}
	if p.Series < 0 || p.Series > 999 {
		return "", shared.NewDomainError("INVALID_SERIES", "Series must be between 0 and 999")
	}
	if p.DocumentNumber <= 0 || p.DocumentNumber > 999_999_999 {
		return "", shared.NewDomainError("INVALID_DOCUMENT_NUMBER", "Document number out of range")
	}
	if p.DocumentID == uuid.Nil {
		return "", shared.NewDomainError("INVALID_DOCUMENT", "Document ID cannot be empty")
	}
	if p.EmissionDate.IsZero() {
		return "", shared.NewDomainError("INVALID_EMISSION_DATE", "Emission date is required")
	}

	tpEmis := 1
	if p.Contingency {
		tpEmis = 9
	}

	base := fmt.Sprintf("%02d%02d%02d%s%02d%03d%09d%d%08d",
		p.StateCode,
		p.EmissionDate.Year()%100,
		int(p.EmissionDate.Month()),
		p.IssuerTaxID,
		DocumentModel,
		p.Series,
		p.DocumentNumber,
		tpEmis,
		numericCode(p.DocumentID),
	)

	return AccessKey(base + fmt.Sprintf("%d", checkDigit(base))), nil
}

// ParseAccessKey validates a 44-digit key, including its check digit
func ParseAccessKey(s string) (AccessKey, error) {
	if len(s) != 44 {
		return "", shared.NewDomainError("INVALID_ACCESS_KEY", "Access key must have 44 digits")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", shared.NewDomainError("INVALID_ACCESS_KEY", "Access key must be numeric")
		}
	}
	if checkDigit(s[:43]) != int(s[43]-'0') {
		return "", shared.NewDomainError("INVALID_ACCESS_KEY", "Access key check digit mismatch")
	}
	return AccessKey(s), nil
}

// String returns the key as its 44-digit string form
func (k AccessKey) String() string {
	return string(k)
}

// numericCode maps the document ID onto the 8-digit cNF field
func numericCode(id uuid.UUID) uint32 {
	sum := sha256.Sum256(id[:])
	return binary.BigEndian.Uint32(sum[:4]) % 100_000_000
}

// checkDigit computes the mod-11 check digit over the first 43 digits,
// weights 2..9 cycling from the rightmost digit
func checkDigit(digits string) int {
	weight := 2
	total := 0
	for i := len(digits) - 1; i >= 0; i-- {
		total += int(digits[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	rem := total % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}
