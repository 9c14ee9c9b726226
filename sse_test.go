package chatwire_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatwire/go-chatwire"
)

// sseTestServer serves the event stream and records messages POSTed to the
// announced endpoint.
type sseTestServer struct {
	server *httptest.Server

	mu     sync.Mutex
	events []string
	posted []string
}

// newSSETestServer creates a server whose stream announces the message
// endpoint and then replays the given events.
func newSSETestServer(events ...string) *sseTestServer {
	s := &sseTestServer{events: events}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", s.server.URL+"/messages")
		flusher.Flush()

		s.mu.Lock()
		events := s.events
		s.mu.Unlock()
		for _, ev := range events {
			fmt.Fprint(w, ev)
			flusher.Flush()
		}

		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.posted = append(s.posted, string(body))
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	s.server = httptest.NewServer(mux)
	return s
}

func (s *sseTestServer) postedBodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	bodies := make([]string, len(s.posted))
	copy(bodies, s.posted)
	return bodies
}

func TestSSETransport(t *testing.T) {
	server := newSSETestServer(
		"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\n\n",
	)
	defer server.server.Close()

	collector := &messageCollector{}
	transport := chatwire.NewSSETransport(server.server.URL + "/sse")
	transport.SetHandlers(collector.handlers())

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer transport.Close()

	msgs := collector.waitForMessages(t, 1)
	if msgs[0].ID != "1" {
		t.Errorf("got message %+v", msgs[0])
	}

	if err := transport.Send(context.Background(), pingMsg("2")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	bodies := server.postedBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], `"ping"`) {
		t.Errorf("got posted bodies %v", bodies)
	}
}

func TestSSETransportMalformedMessage(t *testing.T) {
	server := newSSETestServer(
		"event: message\ndata: {\"jsonrpc\":\n\n",
		"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\n\n",
	)
	defer server.server.Close()

	collector := &messageCollector{}
	transport := chatwire.NewSSETransport(server.server.URL + "/sse")
	transport.SetHandlers(collector.handlers())

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer transport.Close()

	// The garbage event is reported and skipped; the next one still arrives.
	msgs := collector.waitForMessages(t, 1)
	if msgs[0].ID != "1" {
		t.Errorf("got message %+v", msgs[0])
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(collector.collectedErrors()) >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	errs := collector.collectedErrors()
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "unmarshal") {
		t.Errorf("got reported errors %v", errs)
	}
}

func TestSSETransportSendBeforeStart(t *testing.T) {
	transport := chatwire.NewSSETransport("http://example.invalid/sse")
	transport.SetHandlers(chatwire.TransportHandlers{})

	err := transport.Send(context.Background(), pingMsg("1"))
	if err == nil || !strings.Contains(err.Error(), "no message endpoint") {
		t.Fatalf("got %v, want a missing endpoint error", err)
	}
}

func TestSSETransportStreamEndsBeforeEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := chatwire.NewSSETransport(server.URL)
	transport.SetHandlers(chatwire.TransportHandlers{})
	defer transport.Close()

	if err := transport.Start(context.Background()); err == nil {
		t.Fatal("expected an error when the stream ends without an endpoint event")
	}
}

func TestSSETransportUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	transport := chatwire.NewSSETransport(server.URL)
	transport.SetHandlers(chatwire.TransportHandlers{})
	defer transport.Close()

	err := transport.Start(context.Background())
	var unauthorized *chatwire.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("got %v, want an UnauthorizedError", err)
	}
}
