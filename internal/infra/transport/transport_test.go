package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuekit/errs"
	"github.com/coachpo/venuekit/internal/infra/transport"
)

func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if string(data) == "drop" {
				return
			}
			if err := conn.Write(r.Context(), typ, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialersRoundTrip(t *testing.T) {
	url := echoServer(t)
	for _, kind := range []transport.Kind{transport.KindCoder, transport.KindGorilla} {
		t.Run(string(kind), func(t *testing.T) {
			dialer, err := transport.New(kind, transport.Options{HandshakeTimeout: 2 * time.Second})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dialer.Dial(ctx, url, nil)
			require.NoError(t, err)
			defer func() { _ = conn.Close("done") }()

			require.NoError(t, conn.Send(ctx, []byte("ping")))
			msg, err := conn.Receive(ctx)
			require.NoError(t, err)
			require.Equal(t, "echo:ping", string(msg))

			require.NoError(t, conn.Send(ctx, []byte("drop")))
			_, err = conn.Receive(ctx)
			require.True(t, errs.Is(err, errs.CodeNetwork), "got %v", err)
		})
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	url := echoServer(t)
	dialer, err := transport.New("", transport.Options{})
	require.NoError(t, err)

	conn, err := dialer.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close("done") }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.Receive(ctx)
	require.Error(t, err)
}

func TestDialFailureIsNetworkError(t *testing.T) {
	dialer, err := transport.New(transport.KindCoder, transport.Options{HandshakeTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	_, err = dialer.Dial(context.Background(), "ws://127.0.0.1:1/none", nil)
	require.True(t, errs.Is(err, errs.CodeNetwork))
}

func TestUnknownKindRejected(t *testing.T) {
	_, err := transport.New("carrier-pigeon", transport.Options{})
	require.Error(t, err)
}
