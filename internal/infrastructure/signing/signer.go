package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentData is the structured input for one invoice to sign
type DocumentData struct {
	TenantID       uuid.UUID
	DocumentID     uuid.UUID
	DocumentNumber int64
	Series         int
	IssuerTaxID    string
	TotalAmount    decimal.Decimal
	Environment    fiscal.Environment
	EmissionDate   time.Time
	Contingency    bool
}

// SignedDocument is the signing output. The access key is deterministic for
// the same logical document; the signature bytes are not, since signing
// embeds the current time.
type SignedDocument struct {
	AccessKey   fiscal.AccessKey
	UnsignedXML []byte
	SignedXML   []byte
}

// Signer builds the canonical document XML, derives the access key, and
// applies the tenant's digital signature. Synchronous and local; no network.
type Signer struct {
	certs     CertificateStore
	stateCode int
	version   string
}

// NewSigner creates a signer for the given issuing state and schema version
func NewSigner(certs CertificateStore, stateCode int, schemaVersion string) *Signer {
	return &Signer{certs: certs, stateCode: stateCode, version: schemaVersion}
}

// Sign produces the unsigned XML, the access key, and the signed XML for one
// document. A missing or invalid certificate fails immediately; nothing is
// queued.
func (s *Signer) Sign(ctx context.Context, doc DocumentData) (*SignedDocument, error) {
	key, err := fiscal.ComputeAccessKey(fiscal.AccessKeyParams{
		StateCode:      s.stateCode,
		IssuerTaxID:    doc.IssuerTaxID,
		Series:         doc.Series,
		DocumentNumber: doc.DocumentNumber,
		DocumentID:     doc.DocumentID,
		EmissionDate:   doc.EmissionDate,
		Contingency:    doc.Contingency,
	})
	if err != nil {
		return nil, err
	}

	unsigned, err := s.buildUnsignedXML(key, doc)
	if err != nil {
		return nil, err
	}

	cert, err := s.certs.Load(ctx, doc.TenantID)
	if err != nil {
		return nil, err
	}

	signed, err := s.applySignature(unsigned, key, cert)
	if err != nil {
		return nil, err
	}

	return &SignedDocument{
		AccessKey:   key,
		UnsignedXML: unsigned,
		SignedXML:   signed,
	}, nil
}

type documentXML struct {
	XMLName xml.Name       `xml:"NFe"`
	Inf     documentInfXML `xml:"infNFe"`
}

type documentInfXML struct {
	ID          string `xml:"Id,attr"`
	Version     string `xml:"versao,attr"`
	StateCode   int    `xml:"ide>cUF"`
	NumericCode string `xml:"ide>cNF"`
	Model       int    `xml:"ide>mod"`
	Series      int    `xml:"ide>serie"`
	Number      int64  `xml:"ide>nNF"`
	EmissionAt  string `xml:"ide>dhEmi"`
	EmisType    int    `xml:"ide>tpEmis"`
	Environment int    `xml:"ide>tpAmb"`
	IssuerTaxID string `xml:"emit>CNPJ"`
	TotalAmount string `xml:"total>ICMSTot>vNF"`
}

type signedDocumentXML struct {
	XMLName   xml.Name     `xml:"NFe"`
	Inner     []byte       `xml:",innerxml"`
	Signature signatureXML `xml:"Signature"`
}

// signatureXML is the enveloped signature fragment. The digest covers the
// document element; the signature covers the digest.
type signatureXML struct {
	SignedInfo     signedInfoXML `xml:"SignedInfo"`
	SignatureValue string        `xml:"SignatureValue"`
	Certificate    string        `xml:"KeyInfo>X509Data>X509Certificate"`
}

type signedInfoXML struct {
	Reference referenceXML `xml:"Reference"`
}

type referenceXML struct {
	URI         string `xml:"URI,attr"`
	DigestValue string `xml:"DigestValue"`
}

func (s *Signer) buildUnsignedXML(key fiscal.AccessKey, doc DocumentData) ([]byte, error) {
	tpEmis := 1
	if doc.Contingency {
		tpEmis = 9
	}

	// cNF occupies positions 35..43 of the key
	payload := documentXML{
		Inf: documentInfXML{
			ID:          "NFe" + key.String(),
			Version:     s.version,
			StateCode:   s.stateCode,
			NumericCode: key.String()[35:43],
			Model:       fiscal.DocumentModel,
			Series:      doc.Series,
			Number:      doc.DocumentNumber,
			EmissionAt:  doc.EmissionDate.Format(time.RFC3339),
			EmisType:    tpEmis,
			Environment: doc.Environment.TpAmb(),
			IssuerTaxID: doc.IssuerTaxID,
			TotalAmount: doc.TotalAmount.StringFixed(2),
		},
	}

	out, err := xml.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to build document XML: %w", err)
	}
	return out, nil
}

func (s *Signer) applySignature(unsigned []byte, key fiscal.AccessKey, cert *TenantCertificate) ([]byte, error) {
	digest := sha256.Sum256(unsigned)

	signature, err := rsa.SignPKCS1v15(rand.Reader, cert.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing: failed to sign digest: %w", err)
	}

	// Re-wrap the document content with the signature fragment appended
	inner, err := stripRootElement(unsigned)
	if err != nil {
		return nil, err
	}

	signed := signedDocumentXML{
		Inner: inner,
		Signature: signatureXML{
			SignedInfo: signedInfoXML{
				Reference: referenceXML{
					URI:         "#NFe" + key.String(),
					DigestValue: base64.StdEncoding.EncodeToString(digest[:]),
				},
			},
			SignatureValue: base64.StdEncoding.EncodeToString(signature),
			Certificate:    base64.StdEncoding.EncodeToString(cert.Certificate.Raw),
		},
	}

	out, err := xml.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("signing: failed to build signed XML: %w", err)
	}
	return out, nil
}

// stripRootElement returns the content between the root element's tags
func stripRootElement(doc []byte) ([]byte, error) {
	start := -1
	for i := 0; i < len(doc); i++ {
		if doc[i] == '>' {
			start = i + 1
			break
		}
	}
	end := -1
	for i := len(doc) - 1; i >= 0; i-- {
		if doc[i] == '<' {
			end = i
			break
		}
	}
	if start < 0 || end < start {
		return nil, fmt.Errorf("signing: malformed document XML")
	}
	return doc[start:end], nil
}
