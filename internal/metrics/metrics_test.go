package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransportCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTransport(reg)

	m.ConnectAttempt()
	m.ConnectAttempt()
	m.Reconnect()
	m.ConnOpened()
	m.MessageReceived()
	m.MessagePublished()
	m.PublishRejectedFor(ReasonRateLimited)

	if got := testutil.ToFloat64(m.ConnectAttempts); got != 2 {
		t.Fatalf("connect attempts = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.OpenConnections); got != 1 {
		t.Fatalf("open connections = %v; want 1", got)
	}
	m.ConnClosed()
	if got := testutil.ToFloat64(m.OpenConnections); got != 0 {
		t.Fatalf("open connections after close = %v; want 0", got)
	}
	if got := testutil.ToFloat64(m.PublishRejected.WithLabelValues(ReasonRateLimited)); got != 1 {
		t.Fatalf("rate limited rejections = %v; want 1", got)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 7 {
		t.Fatalf("gathered %d metric families, err=%v", n, err)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var m *Transport
	m.ConnectAttempt()
	m.PublishRejectedFor(ReasonWrite)
	m.ConnClosed()

	var r *REST
	r.Observe("GET", "/posts/:id", 200, time.Millisecond)
	r.Refreshed("ok")
}

func TestRESTObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewREST(reg)

	r.Observe("GET", "/chatRooms/:a/:b", 404, 5*time.Millisecond)
	r.Observe("GET", "/chatRooms/:a/:b", 0, time.Millisecond)

	if got := testutil.ToFloat64(r.Requests.WithLabelValues("GET", "/chatRooms/:a/:b", "404")); got != 1 {
		t.Fatalf("404 count = %v; want 1", got)
	}
	if got := testutil.ToFloat64(r.Requests.WithLabelValues("GET", "/chatRooms/:a/:b", "error")); got != 1 {
		t.Fatalf("error count = %v; want 1", got)
	}
}
