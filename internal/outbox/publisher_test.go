package outbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestHTTPPublisherClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusAccepted, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusRequestTimeout, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusUnprocessableEntity, true, true},
	}
	for _, tc := range cases {
		var gotPath, gotID string
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotID = r.Header.Get("X-Event-ID")
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(tc.status)
		}))
		p := NewHTTPPublisher(srv.URL+"/hooks/", time.Second)
		err := p.Publish(context.Background(), "bin.created", Message{ID: "e-1", EventType: "bin.created", Body: []byte(`{"a":1}`)})
		srv.Close()

		if (err != nil) != tc.wantErr {
			t.Fatalf("status %d: err=%v", tc.status, err)
		}
		if IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: permanent=%v", tc.status, IsPermanent(err))
		}
		if gotPath != "/hooks/bin.created" || gotID != "e-1" || string(gotBody) != `{"a":1}` {
			t.Fatalf("unexpected request path=%s id=%s body=%s", gotPath, gotID, gotBody)
		}
	}
}

type fakeStreams struct {
	args *goredis.XAddArgs
	err  error
}

func (f *fakeStreams) XAdd(_ context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.args = a
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	return goredis.NewStringResult("1-0", nil)
}

func TestRedisPublisherAppendsToTopicStream(t *testing.T) {
	fs := &fakeStreams{}
	p := NewRedisPublisher(fs, "wasteops:", 1000)
	if err := p.Publish(context.Background(), "order.scheduled", Message{ID: "e-1", TenantID: "t1", Key: "o1", Body: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	if fs.args.Stream != "wasteops:order.scheduled" || !fs.args.Approx || fs.args.MaxLen != 1000 {
		t.Fatalf("unexpected args %+v", fs.args)
	}
	values := fs.args.Values.(map[string]any)
	if values["event_id"] != "e-1" || values["tenant_id"] != "t1" || values["payload"] != "{}" {
		t.Fatalf("unexpected values %+v", values)
	}
}

func TestRedisPublisherErrors(t *testing.T) {
	fs := &fakeStreams{err: errors.New("dial tcp: connection refused")}
	p := NewRedisPublisher(fs, "", 0)
	err := p.Publish(context.Background(), "t", Message{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	fs.err = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	if err := p.Publish(context.Background(), "t", Message{}); !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
