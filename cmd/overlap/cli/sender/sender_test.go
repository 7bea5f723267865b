package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlap-sh/cli/cmd/overlap/cli/event"
)

// ingestRecorder captures every batch an ingest endpoint receives and lets
// tests script per-request status codes.
type ingestRecorder struct {
	mu       sync.Mutex
	batches  [][]string // session IDs per request, in arrival order
	auths    []string
	statuses []int // consumed per request; empty means always 200
	block    chan struct{}
}

func (r *ingestRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Events []struct {
				SessionID  string `json:"session_id"`
				PromptText string `json:"prompt_text"`
				OldString  string `json:"old_string"`
			} `json:"events"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)

		r.mu.Lock()
		ids := make([]string, len(body.Events))
		for i, e := range body.Events {
			ids[i] = e.SessionID
		}
		r.batches = append(r.batches, ids)
		r.auths = append(r.auths, req.Header.Get("Authorization"))
		status := http.StatusOK
		if len(r.statuses) > 0 {
			status = r.statuses[0]
			r.statuses = r.statuses[1:]
		}
		count := len(body.Events)
		block := r.block
		r.mu.Unlock()

		if block != nil {
			<-block
		}

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"data":{"processed":%d,"errors":[]}}`, count)
	}
}

func (r *ingestRecorder) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *ingestRecorder) batch(i int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

func (r *ingestRecorder) allIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, b := range r.batches {
		ids = append(ids, b...)
	}
	return ids
}

func promptEvent(i int) event.Event {
	return event.Event{
		Type:       event.TypePrompt,
		SessionID:  fmt.Sprintf("s%03d", i),
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		PromptText: "hello",
		TurnNumber: 1,
	}
}

func TestSender_FullBatchFlushesImmediately(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sent := make(chan int, 1)
	s := New(time.Minute, 3, Callbacks{
		OnSent: func(_ string, processed int) { sent <- processed },
	})
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Add(server.URL, "tok", promptEvent(i))
	}

	select {
	case processed := <-sent:
		assert.Equal(t, 3, processed)
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
	}

	require.Equal(t, 1, recorder.requestCount())
	assert.Equal(t, []string{"s000", "s001", "s002"}, recorder.batch(0))
	assert.Equal(t, 0, s.Pending())
}

func TestSender_PartialBatchFlushesOnTimer(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sent := make(chan int, 1)
	s := New(30*time.Millisecond, 50, Callbacks{
		OnSent: func(_ string, processed int) { sent <- processed },
	})
	defer s.Close()

	s.Add(server.URL, "tok", promptEvent(0))
	s.Add(server.URL, "tok", promptEvent(1))

	select {
	case processed := <-sent:
		assert.Equal(t, 2, processed)
	case <-time.After(5 * time.Second):
		t.Fatal("timer flush never fired")
	}

	require.Equal(t, 1, recorder.requestCount())
	assert.Equal(t, []string{"s000", "s001"}, recorder.batch(0))
}

func TestSender_TransientFailureRetriesSameBatch(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{statuses: []int{500, 500, 200}}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sent := make(chan int, 1)
	s := New(20*time.Millisecond, 2, Callbacks{
		OnSent: func(_ string, processed int) { sent <- processed },
	})
	defer s.Close()

	s.Add(server.URL, "tok", promptEvent(0))
	s.Add(server.URL, "tok", promptEvent(1))

	select {
	case processed := <-sent:
		assert.Equal(t, 2, processed)
	case <-time.After(10 * time.Second):
		t.Fatal("batch never succeeded")
	}

	// Same two events on every attempt: the batch requeues at the head.
	require.Equal(t, 3, recorder.requestCount())
	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"s000", "s001"}, recorder.batch(i))
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSender_RetryPendingInhibitsFillFlush(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{statuses: []int{500}}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(60*time.Millisecond, 2, Callbacks{})
	defer s.Close()

	// Fill flush fails once; first retry comes after 120 ms.
	s.Add(server.URL, "tok", promptEvent(0))
	s.Add(server.URL, "tok", promptEvent(1))
	require.Eventually(t, func() bool { return recorder.requestCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Filling the queue again must not flush while the retry waits.
	s.Add(server.URL, "tok", promptEvent(2))
	s.Add(server.URL, "tok", promptEvent(3))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, recorder.requestCount())

	// The retry resends the failed batch first, then the newer events.
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 10*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, recorder.requestCount(), 3)
	assert.Equal(t, []string{"s000", "s001"}, recorder.batch(1))
	assert.Equal(t, []string{"s002", "s003"}, recorder.batch(2))
}

func TestSender_BatchDroppedAfterMaxRetries(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{statuses: []int{500, 500, 500, 500, 500, 500}}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Millisecond, 2, Callbacks{})
	defer s.Close()

	s.Add(server.URL, "tok", promptEvent(0))
	s.Add(server.URL, "tok", promptEvent(1))

	// One initial attempt plus five retries, then the batch is abandoned.
	require.Eventually(t, func() bool {
		return recorder.requestCount() == 6 && s.Pending() == 0
	}, 10*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, recorder.requestCount(), "dropped batch must not be retried again")
}

func TestSender_AuthFailureSuspendsTeam(t *testing.T) {
	t.Parallel()

	failing := &ingestRecorder{statuses: []int{401}}
	failingServer := httptest.NewServer(failing.handler())
	defer failingServer.Close()

	healthy := &ingestRecorder{}
	healthyServer := httptest.NewServer(healthy.handler())
	defer healthyServer.Close()

	authFailed := make(chan string, 1)
	sent := make(chan int, 1)
	s := New(10*time.Millisecond, 50, Callbacks{
		OnSent:        func(_ string, processed int) { sent <- processed },
		OnAuthFailure: func(teamURL string) { authFailed <- teamURL },
	})
	defer s.Close()

	s.Add(failingServer.URL, "bad", promptEvent(0))
	s.Add(healthyServer.URL, "good", promptEvent(1))

	select {
	case team := <-authFailed:
		assert.Equal(t, failingServer.URL, team)
	case <-time.After(5 * time.Second):
		t.Fatal("auth failure callback never fired")
	}
	assert.True(t, s.Suspended(failingServer.URL))

	// Adds to the suspended team are silent no-ops.
	s.Add(failingServer.URL, "bad", promptEvent(2))
	s.Add(failingServer.URL, "bad", promptEvent(3))

	// The healthy team keeps delivering.
	select {
	case processed := <-sent:
		assert.Equal(t, 1, processed)
	case <-time.After(5 * time.Second):
		t.Fatal("healthy team never delivered")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, failing.requestCount(), "suspended team must receive nothing further")
	assert.Equal(t, 0, s.Pending())

	// Unsuspend restores delivery.
	s.Unsuspend(failingServer.URL)
	s.Add(failingServer.URL, "fresh", promptEvent(4))
	require.Eventually(t, func() bool { return failing.requestCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bearer fresh", func() string {
		failing.mu.Lock()
		defer failing.mu.Unlock()
		return failing.auths[1]
	}())
}

func TestSender_QueueCapDropsNewest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	recorder := &ingestRecorder{block: release}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Minute, 100, Callbacks{})
	defer s.Close()

	// First 100 go in flight and stall; the next 500 fill the queue.
	for i := 0; i < 600; i++ {
		s.Add(server.URL, "tok", promptEvent(i))
	}
	require.Eventually(t, func() bool { return recorder.requestCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 600, s.Pending())

	// Over the cap, newest events are dropped.
	s.Add(server.URL, "tok", promptEvent(600))
	s.Add(server.URL, "tok", promptEvent(601))
	assert.Equal(t, 600, s.Pending())

	close(release)
	recorder.mu.Lock()
	recorder.block = nil
	recorder.mu.Unlock()

	require.Eventually(t, func() bool { return s.Pending() == 0 }, 10*time.Second, 10*time.Millisecond)
	assert.Len(t, recorder.allIDs(), 600)
}

func TestSender_FlushAllDrainsInOrder(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Minute, 10, Callbacks{})
	defer s.Close()

	for i := 0; i < 25; i++ {
		s.Add(server.URL, "tok", promptEvent(i))
	}
	// 25 events with batch size 10: two fill flushes race ahead, FlushAll
	// picks up whatever remains.
	s.FlushAll(context.Background(), 5*time.Second)

	require.Eventually(t, func() bool { return s.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)

	ids := recorder.allIDs()
	require.Len(t, ids, 25)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("s%03d", i), id, "events must leave in add order")
	}
}

func TestSender_FlushAllHonorsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	recorder := &ingestRecorder{block: release}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Minute, 10, Callbacks{})
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Add(server.URL, "tok", promptEvent(i))
	}

	start := time.Now()
	s.FlushAll(context.Background(), 100*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second, "FlushAll must give up at the timeout")
}

func TestSender_SanitizesBeforePost(t *testing.T) {
	t.Parallel()

	const secret = "sk-ant-REDACTED"

	var gotPrompt, gotOld string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []struct {
				PromptText string `json:"prompt_text"`
				OldString  string `json:"old_string"`
			} `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Events) > 0 {
			gotPrompt = body.Events[0].PromptText
			gotOld = body.Events[0].OldString
		}
		fmt.Fprint(w, `{"data":{"processed":1,"errors":[]}}`)
	}))
	defer server.Close()

	sent := make(chan int, 1)
	s := New(time.Minute, 1, Callbacks{
		OnSent: func(_ string, processed int) { sent <- processed },
	})
	defer s.Close()

	s.Add(server.URL, "tok", event.Event{
		Type:       event.TypePrompt,
		SessionID:  "s1",
		PromptText: "use key " + secret + " please",
		OldString:  "local only",
	})

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
	}

	assert.Equal(t, "use key REDACTED please", gotPrompt)
	assert.Empty(t, gotOld, "edit payloads never reach the wire")
}

func TestSender_SuspendClearsPendingState(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Minute, 50, Callbacks{})
	defer s.Close()

	s.Add(server.URL, "tok", promptEvent(0))
	s.Add(server.URL, "tok", promptEvent(1))
	require.Equal(t, 2, s.Pending())

	s.Suspend(server.URL)
	assert.Equal(t, 0, s.Pending())
	assert.True(t, s.Suspended(server.URL))

	// Nothing was ever sent and nothing will be.
	s.FlushAll(context.Background(), 100*time.Millisecond)
	assert.Equal(t, 0, recorder.requestCount())
}

func TestSender_TokenRotationTakesEffect(t *testing.T) {
	t.Parallel()

	recorder := &ingestRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	s := New(time.Minute, 1, Callbacks{})
	defer s.Close()

	s.Add(server.URL, "first", promptEvent(0))
	require.Eventually(t, func() bool { return recorder.requestCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	s.Add(server.URL, "second", promptEvent(1))
	require.Eventually(t, func() bool { return recorder.requestCount() == 2 }, 5*time.Second, 5*time.Millisecond)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, "Bearer first", recorder.auths[0])
	assert.Equal(t, "Bearer second", recorder.auths[1])
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	base := 5 * time.Second
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{5, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(base, tt.retryCount), "retry %d", tt.retryCount)
	}
}
