package sefaz

import (
	"context"
	"encoding/xml"
	"time"
)

// Event type codes defined by the authority
const (
	eventTypeCancellation = "110111"
	eventTypeCorrection   = "110110"
)

// Result is the outcome of an authorization-side operation. StatusCode is the
// authority's cStat; Protocol and ReceivedAt are populated only when the
// response carries an authorization protocol fragment.
type Result struct {
	StatusCode    int
	StatusMessage string
	Protocol      string
	ReceivedAt    *time.Time
	RawEnvelope   []byte
}

// EventResult is the outcome of an event submission (cancellation or
// correction letter)
type EventResult struct {
	StatusCode    int
	StatusMessage string
	Protocol      string
	RawEnvelope   []byte
}

// Client is the typed surface over the tax-authority web service. All
// operations are pure request/response with no local side effects; callers
// persist the result.
type Client interface {
	// SubmitForProcessing sends a signed document batch and returns the
	// receipt number the authority assigned. The verdict comes later via
	// QueryByReceipt.
	SubmitForProcessing(ctx context.Context, signedXML []byte) (string, error)
	// QueryByReceipt polls the verdict for a previously submitted batch
	QueryByReceipt(ctx context.Context, receipt string) (*Result, error)
	// QueryByAccessKey queries the document's current situation by identity,
	// used when no receipt number is on file
	QueryByAccessKey(ctx context.Context, accessKey string) (*Result, error)
	// SubmitCancellation registers a cancellation event. The original
	// authorization protocol is mandatory; the authority rejects requests
	// lacking it.
	SubmitCancellation(ctx context.Context, accessKey, protocol, reason string) (*EventResult, error)
	// SubmitCorrectionLetter registers a correction event under the given
	// sequence. The authority rejects out-of-order or duplicate sequences.
	SubmitCorrectionLetter(ctx context.Context, accessKey string, sequence int, text string) (*EventResult, error)
}

// Request envelopes. Node names follow the fixed authority schema.

type submitEnvelope struct {
	XMLName xml.Name `xml:"enviNFe"`
	Version string   `xml:"versao,attr"`
	BatchID string   `xml:"idLote"`
	Async   int      `xml:"indSinc"`
	Payload innerXML `xml:",innerxml"`
}

type receiptQueryEnvelope struct {
	XMLName     xml.Name `xml:"consReciNFe"`
	Version     string   `xml:"versao,attr"`
	Environment int      `xml:"tpAmb"`
	Receipt     string   `xml:"nRec"`
}

type situationQueryEnvelope struct {
	XMLName     xml.Name `xml:"consSitNFe"`
	Version     string   `xml:"versao,attr"`
	Environment int      `xml:"tpAmb"`
	Service     string   `xml:"xServ"`
	AccessKey   string   `xml:"chNFe"`
}

type eventEnvelope struct {
	XMLName xml.Name    `xml:"envEvento"`
	Version string      `xml:"versao,attr"`
	BatchID string      `xml:"idLote"`
	Event   eventDetail `xml:"evento>infEvento"`
}

type eventDetail struct {
	Environment int    `xml:"tpAmb"`
	StateCode   int    `xml:"cOrgao"`
	AccessKey   string `xml:"chNFe"`
	EventType   string `xml:"tpEvento"`
	Sequence    int    `xml:"nSeqEvento"`
	EventTime   string `xml:"dhEvento"`
	Description string `xml:"detEvento>descEvento"`
	Protocol    string `xml:"detEvento>nProt,omitempty"`
	Reason      string `xml:"detEvento>xJust,omitempty"`
	Correction  string `xml:"detEvento>xCorrecao,omitempty"`
}

// innerXML embeds pre-rendered XML (the signed document) without re-encoding
type innerXML []byte

// Response envelopes.

type submitResponse struct {
	XMLName       xml.Name `xml:"retEnviNFe"`
	StatusCode    int      `xml:"cStat"`
	StatusMessage string   `xml:"xMotivo"`
	Receipt       struct {
		Number string `xml:"nRec"`
	} `xml:"infRec"`
}

type receiptQueryResponse struct {
	XMLName       xml.Name          `xml:"retConsReciNFe"`
	StatusCode    int               `xml:"cStat"`
	StatusMessage string            `xml:"xMotivo"`
	Protocol      *protocolFragment `xml:"protNFe>infProt"`
}

type situationQueryResponse struct {
	XMLName       xml.Name          `xml:"retConsSitNFe"`
	StatusCode    int               `xml:"cStat"`
	StatusMessage string            `xml:"xMotivo"`
	Protocol      *protocolFragment `xml:"protNFe>infProt"`
}

// protocolFragment is the authorization proof embedded in query responses
type protocolFragment struct {
	AccessKey     string `xml:"chNFe"`
	StatusCode    int    `xml:"cStat"`
	StatusMessage string `xml:"xMotivo"`
	Protocol      string `xml:"nProt"`
	ReceivedAt    string `xml:"dhRecbto"`
}

type eventResponse struct {
	XMLName xml.Name `xml:"retEnvEvento"`
	Event   struct {
		StatusCode    int    `xml:"cStat"`
		StatusMessage string `xml:"xMotivo"`
		Protocol      string `xml:"nProt"`
	} `xml:"retEvento>infEvento"`
}
