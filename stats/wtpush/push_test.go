package wtpush

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/stats"
)

// flushRecorder is an httptest.ResponseRecorder that also satisfies
// http.Flusher, since handleEvents requires flush support to push each
// event as it's written.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}

func TestHandleEventsStreamsSubscribedEvents(t *testing.T) {
	bus := stats.NewBus(nil)
	srv := New("", selfSignedCert(t), bus, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleEvents(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	bus.Emit(stats.Event{Kind: stats.KindInputRegistered, InputID: "in_1"})

	require.Eventually(t, func() bool {
		return bytes.Contains(rec.Body.Bytes(), []byte("input_registered"))
	}, time.Second, time.Millisecond)

	var ev stats.Event
	line, err := bufio.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &ev))
	require.Equal(t, stats.KindInputRegistered, ev.Kind)

	cancel()
	<-done
	require.Equal(t, 0, bus.SubscriberCount())
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "wtpush-test"},
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
