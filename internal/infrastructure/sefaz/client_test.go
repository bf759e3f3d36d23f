package sefaz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAccessKey = "35240812345678000195550010000000421234567895"

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(config.SefazConfig{
		BaseURL:       server.URL,
		Timeout:       5 * time.Second,
		StateCode:     35,
		SchemaVersion: "4.00",
	}, 2, zap.NewNop())
	require.NoError(t, err)

	return client, server
}

func TestHTTPClient_SubmitForProcessing(t *testing.T) {
	t.Run("returns receipt number on acceptance", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, submitPath, r.URL.Path)
			assert.Equal(t, http.MethodPost, r.Method)
			fmt.Fprint(w, `<retEnviNFe><cStat>103</cStat><xMotivo>Lote recebido</xMotivo><infRec><nRec>351000000123456</nRec></infRec></retEnviNFe>`)
		}))

		receipt, err := client.SubmitForProcessing(context.Background(), []byte("<NFe>signed</NFe>"))

		require.NoError(t, err)
		assert.Equal(t, "351000000123456", receipt)
	})

	t.Run("returns error when batch not accepted", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<retEnviNFe><cStat>225</cStat><xMotivo>Falha no schema</xMotivo></retEnviNFe>`)
		}))

		receipt, err := client.SubmitForProcessing(context.Background(), []byte("<NFe>bad</NFe>"))

		assert.Error(t, err)
		assert.Empty(t, receipt)
		assert.Contains(t, err.Error(), "225")
	})

	t.Run("wraps transport failure as unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client, err := NewHTTPClient(config.SefazConfig{
			BaseURL:       server.URL,
			Timeout:       5 * time.Second,
			StateCode:     35,
			SchemaVersion: "4.00",
		}, 2, zap.NewNop())
		require.NoError(t, err)
		server.Close()

		_, err = client.SubmitForProcessing(context.Background(), []byte("<NFe/>"))

		var unavailable *UnavailableError
		assert.ErrorAs(t, err, &unavailable)
	})

	t.Run("treats 5xx as unavailable", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

		_, err := client.SubmitForProcessing(context.Background(), []byte("<NFe/>"))

		var unavailable *UnavailableError
		assert.ErrorAs(t, err, &unavailable)
	})

	t.Run("treats 4xx as permanent", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))

		_, err := client.SubmitForProcessing(context.Background(), []byte("<NFe/>"))

		// Resending an identical malformed request cannot change the outcome,
		// so the worker must not burn retries on it
		require.Error(t, err)
		assert.True(t, fiscal.IsPermanent(err))
	})
}

func TestHTTPClient_QueryByReceipt(t *testing.T) {
	t.Run("still processing carries no protocol", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, receiptQueryPath, r.URL.Path)
			fmt.Fprint(w, `<retConsReciNFe><cStat>105</cStat><xMotivo>Lote em processamento</xMotivo></retConsReciNFe>`)
		}))

		result, err := client.QueryByReceipt(context.Background(), "351000000123456")

		require.NoError(t, err)
		assert.Equal(t, 105, result.StatusCode)
		assert.Empty(t, result.Protocol)
		assert.Nil(t, result.ReceivedAt)
	})

	t.Run("authorized verdict comes from the protocol fragment", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<retConsReciNFe><cStat>104</cStat><xMotivo>Lote processado</xMotivo><protNFe><infProt><chNFe>`+testAccessKey+`</chNFe><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo><nProt>135240000000123</nProt><dhRecbto>2024-08-15T10:30:00-03:00</dhRecbto></infProt></protNFe></retConsReciNFe>`)
		}))

		result, err := client.QueryByReceipt(context.Background(), "351000000123456")

		require.NoError(t, err)
		assert.Equal(t, 100, result.StatusCode)
		assert.Equal(t, "135240000000123", result.Protocol)
		require.NotNil(t, result.ReceivedAt)
		assert.Equal(t, 2024, result.ReceivedAt.Year())
	})

	t.Run("rejects empty receipt without a network call", func(t *testing.T) {
		called := false
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		_, err := client.QueryByReceipt(context.Background(), "")

		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestHTTPClient_QueryByAccessKey(t *testing.T) {
	t.Run("recovers protocol for an authorized document", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, situationQueryPath, r.URL.Path)
			fmt.Fprint(w, `<retConsSitNFe><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo><protNFe><infProt><cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo><nProt>135240000000123</nProt><dhRecbto>2024-08-15T10:30:00-03:00</dhRecbto></infProt></protNFe></retConsSitNFe>`)
		}))

		result, err := client.QueryByAccessKey(context.Background(), testAccessKey)

		require.NoError(t, err)
		assert.Equal(t, 100, result.StatusCode)
		assert.Equal(t, "135240000000123", result.Protocol)
	})

	t.Run("unknown document yields result without protocol", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<retConsSitNFe><cStat>217</cStat><xMotivo>NF-e nao consta na base</xMotivo></retConsSitNFe>`)
		}))

		result, err := client.QueryByAccessKey(context.Background(), testAccessKey)

		require.NoError(t, err)
		assert.Equal(t, 217, result.StatusCode)
		assert.Empty(t, result.Protocol)
	})

	t.Run("rejects malformed access key", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		}))

		_, err := client.QueryByAccessKey(context.Background(), "123")

		assert.Error(t, err)
	})
}

func TestHTTPClient_SubmitCancellation(t *testing.T) {
	t.Run("sends cancellation event with fixed sequence", func(t *testing.T) {
		var body string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, eventPath, r.URL.Path)
			raw, _ := io.ReadAll(r.Body)
			body = string(raw)
			fmt.Fprint(w, `<retEnvEvento><retEvento><infEvento><cStat>135</cStat><xMotivo>Evento registrado</xMotivo><nProt>135240000000999</nProt></infEvento></retEvento></retEnvEvento>`)
		}))

		result, err := client.SubmitCancellation(context.Background(), testAccessKey, "135240000000123", "Pedido cancelado pelo cliente correto")

		require.NoError(t, err)
		assert.Equal(t, 135, result.StatusCode)
		assert.Equal(t, "135240000000999", result.Protocol)
		assert.True(t, strings.Contains(body, "<tpEvento>110111</tpEvento>"))
		assert.True(t, strings.Contains(body, "<nSeqEvento>1</nSeqEvento>"))
		assert.True(t, strings.Contains(body, "<nProt>135240000000123</nProt>"))
	})

	t.Run("refuses to submit without protocol", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		}))

		_, err := client.SubmitCancellation(context.Background(), testAccessKey, "", "some reason text here")

		assert.Error(t, err)
	})
}

func TestHTTPClient_SubmitCorrectionLetter(t *testing.T) {
	t.Run("sends correction event under the given sequence", func(t *testing.T) {
		var body string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			body = string(raw)
			fmt.Fprint(w, `<retEnvEvento><retEvento><infEvento><cStat>135</cStat><xMotivo>Evento registrado</xMotivo></infEvento></retEvento></retEnvEvento>`)
		}))

		result, err := client.SubmitCorrectionLetter(context.Background(), testAccessKey, 3, "Corrige a descricao dos itens da nota")

		require.NoError(t, err)
		assert.Equal(t, 135, result.StatusCode)
		assert.True(t, strings.Contains(body, "<tpEvento>110110</tpEvento>"))
		assert.True(t, strings.Contains(body, "<nSeqEvento>3</nSeqEvento>"))
	})

	t.Run("rejects non-positive sequence", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		}))

		_, err := client.SubmitCorrectionLetter(context.Background(), testAccessKey, 0, "text")

		assert.Error(t, err)
	})
}
