package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_FallsBackToHTTP1ForUnknownName(t *testing.T) {
	c := New(DefaultOptions())
	assert.Same(t, c.store[ProtoHTTP1], c.transport("nonsense"))
	assert.Same(t, c.store[ProtoAuto], c.transport(ProtoAuto))
}

func TestForward_SuccessfulRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultOptions())
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Forward(context.Background(), ProtoHTTP1, req)
	require.NoError(t, err)
	defer DrainAndClose(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_ConnectFailureOnNonIdempotentMethodDoesNotRetry(t *testing.T) {
	c := New(DefaultOptions())
	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1:1/", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	_, err = c.Forward(context.Background(), ProtoHTTP1, req)
	require.Error(t, err)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, ErrConnectFailed, uerr.Kind)
}

func TestForward_ConnectFailureOnIdempotentMethodStillFailsWhenRetryAlsoFails(t *testing.T) {
	c := New(DefaultOptions())
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	require.NoError(t, err)

	_, err = c.Forward(context.Background(), ProtoHTTP1, req)
	require.Error(t, err)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, ErrConnectFailed, uerr.Kind)
}

func TestClassify_ConnectionRefusedIsConnectFailed(t *testing.T) {
	_, err := net.Dial("tcp", "127.0.0.1:1")
	require.Error(t, err)
	classified := classify(err)
	assert.Equal(t, ErrConnectFailed, classified.Kind)
}

func TestClassify_TimeoutError(t *testing.T) {
	classified := classify(&timeoutError{})
	assert.Equal(t, ErrTimeout, classified.Kind)
}

func TestClassify_GenericErrorIsUpstreamReset(t *testing.T) {
	classified := classify(errors.New("connection reset by peer"))
	assert.Equal(t, ErrUpstreamReset, classified.Kind)
}

func TestCloneForRetry_UsesGetBody(t *testing.T) {
	body := []byte("payload")
	req, err := http.NewRequest(http.MethodPut, "http://example.invalid", bytes.NewReader(body))
	require.NoError(t, err)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	clone, err := cloneForRetry(context.Background(), req)
	require.NoError(t, err)

	got, err := io.ReadAll(clone.Body)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCloneForRetry_RejectsNonRetryableBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPut, "http://example.invalid", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	req.GetBody = nil

	_, err = cloneForRetry(context.Background(), req)
	assert.ErrorIs(t, err, errNonRetryableBody)
}

func TestDrainAndClose_ClosesBody(t *testing.T) {
	rc := &closeTrackingReader{Reader: bytes.NewReader([]byte("body"))}
	resp := &http.Response{Body: rc}

	DrainAndClose(resp)

	assert.True(t, rc.closed)
}

func TestDrainAndClose_NilResponseIsNoop(t *testing.T) {
	DrainAndClose(nil)
	DrainAndClose(&http.Response{Body: nil})
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return false }

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}
