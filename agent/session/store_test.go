package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

func commandServer(t *testing.T, result string, got *[]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode command: %v", err)
		}
		fmt.Fprint(w, result)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestStore(t *testing.T, server *httptest.Server, opts ...StoreOption) *RedisRESTStore {
	t.Helper()
	opts = append(opts, WithHTTPClient(server.Client()))
	store, err := NewRedisRESTStore(RedisRESTConfig{URL: server.URL, Token: "token"}, opts...)
	if err != nil {
		t.Fatalf("NewRedisRESTStore() error = %v", err)
	}
	return store
}

func TestActiveConnectionReadsUserKey(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := commandServer(t, `{"result":"\"conn-42\""}`, &gotCommand)
	store := newTestStore(t, server)

	connID, err := store.ActiveConnection(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ActiveConnection() error = %v", err)
	}
	if connID != "conn-42" {
		t.Fatalf("ActiveConnection() = %q, want conn-42", connID)
	}
	if len(gotCommand) != 2 || gotCommand[0] != "GET" || gotCommand[1] != "active-connection:user-1" {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
}

func TestActiveConnectionMissingKey(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := commandServer(t, `{"result":null}`, &gotCommand)
	store := newTestStore(t, server)

	_, err := store.ActiveConnection(context.Background(), "user-1")
	if !errors.Is(err, contractx.ErrNoActiveConnection) {
		t.Fatalf("ActiveConnection() error = %v, want ErrNoActiveConnection", err)
	}
}

func TestSaveRunSetsSnapshotWithTTL(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := commandServer(t, `{"result":"OK"}`, &gotCommand)
	store := newTestStore(t, server, WithRunTTL(time.Hour))

	err := store.SaveRun(context.Background(), contractx.Run{
		ID:        "run-1",
		SessionID: "sess-1",
		Status:    contractx.RunSuccess,
	})
	if err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if len(gotCommand) != 5 || gotCommand[0] != "SET" || gotCommand[1] != "run:sess-1" {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
	if gotCommand[3] != "EX" {
		t.Fatalf("expected TTL clause, got %#v", gotCommand)
	}
}

func TestAppendRunEvent(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := commandServer(t, `{"result":1}`, &gotCommand)
	store := newTestStore(t, server)

	err := store.AppendRunEvent(context.Background(), "sess-1", map[string]any{"step": "s1"})
	if err != nil {
		t.Fatalf("AppendRunEvent() error = %v", err)
	}
	if len(gotCommand) != 3 || gotCommand[0] != "RPUSH" || gotCommand[1] != "run-events:sess-1" {
		t.Fatalf("unexpected command: %#v", gotCommand)
	}
}

func TestStoreRejectsRedisError(t *testing.T) {
	t.Parallel()

	var gotCommand []any
	server := commandServer(t, `{"error":"WRONGTYPE"}`, &gotCommand)
	store := newTestStore(t, server)

	if err := store.AppendRunEvent(context.Background(), "sess-1", "x"); err == nil {
		t.Fatal("AppendRunEvent() ignored a redis error")
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	m := NewManager()
	s := m.GetOrCreate("sess-1", "user-1")
	if again := m.GetOrCreate("sess-1", "user-1"); again != s {
		t.Fatal("GetOrCreate() created a duplicate session")
	}

	s.SetRun(contractx.Run{ID: "run-1", SessionID: "sess-1"})
	m.Remove("sess-1")
	if _, ok := m.Get("sess-1"); ok {
		t.Fatal("Remove() left the session behind")
	}
}
