package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

const password = "streife-123"

type env struct {
	ts    *httptest.Server
	items []catalog.Item
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	hash, err := identity.HashPassword(password)
	require.NoError(t, err)
	provider := identity.NewInMemoryProvider()
	for _, u := range []identity.User{
		{Identity: identity.Identity{Email: "alice@lspd.gov", DisplayName: "Alice"}, PasswordHash: hash, Role: identity.RoleAdmin},
		{Identity: identity.Identity{Email: "bob@lspd.gov", DisplayName: "Bob"}, PasswordHash: hash, Role: identity.RoleAdmin},
		{Identity: identity.Identity{Email: "carol@lspd.gov"}, PasswordHash: hash, Role: identity.RoleUser},
	} {
		_, err := provider.AddUser(u)
		require.NoError(t, err)
	}

	bus := syncbus.NewInMemoryBus()
	locks := lock.NewPublishingStore(lock.NewInMemoryStore(), bus)
	store := catalog.NewPublishingStore(catalog.NewInMemoryStore(), bus)
	cat, err := store.InsertCategory(ctx, catalog.Category{Name: "Eigentumsdelikte"})
	require.NoError(t, err)
	theft, err := store.InsertItem(ctx, catalog.Item{CategoryID: cat.ID, Name: "Diebstahl", Type: catalog.Crime, Fine: 1000, DetentionMonths: 10})
	require.NoError(t, err)
	robbery, err := store.InsertItem(ctx, catalog.Item{CategoryID: cat.ID, Name: "Raub", Type: catalog.Crime, Fine: 3500, DetentionMonths: 35, SortOrder: 1})
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	srv := New(provider, locks, store, WithBus(bus), WithGatherer(reg))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &env{ts: ts, items: []catalog.Item{theft, robbery}}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *env) signIn(t *testing.T, email string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/session", "", signInRequest{Email: email, Password: password})
	require.Equal(t, http.StatusCreated, status, string(body))
	var resp signInResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestAuthentication(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(t, http.MethodPost, "/api/session", "", signInRequest{Email: "alice@lspd.gov", Password: "falsch"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = e.do(t, http.MethodGet, "/api/lock", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = e.do(t, http.MethodGet, "/api/lock", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	token := e.signIn(t, "alice@lspd.gov")
	status, _ = e.do(t, http.MethodDelete, "/api/session", token, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = e.do(t, http.MethodGet, "/api/lock", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLockRoutes(t *testing.T) {
	e := newEnv(t)
	alice := e.signIn(t, "alice@lspd.gov")
	bob := e.signIn(t, "bob@lspd.gov")

	status, body := e.do(t, http.MethodPost, "/api/lock", alice, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var acq acquireResponse
	require.NoError(t, json.Unmarshal(body, &acq))
	assert.True(t, acq.Acquired)
	assert.True(t, acq.View.IsMine)

	status, body = e.do(t, http.MethodPost, "/api/lock", bob, nil)
	require.Equal(t, http.StatusConflict, status)
	require.NoError(t, json.Unmarshal(body, &acq))
	assert.False(t, acq.Acquired)
	require.NotNil(t, acq.View.Lock)
	assert.Equal(t, "Alice", acq.View.Lock.OwnerName)

	status, body = e.do(t, http.MethodGet, "/api/lock", bob, nil)
	require.Equal(t, http.StatusOK, status)
	var v lock.View
	require.NoError(t, json.Unmarshal(body, &v))
	assert.True(t, v.IsLocked)
	assert.False(t, v.IsMine)
	assert.InDelta(t, 120, v.RemainingSeconds, 2)

	status, body = e.do(t, http.MethodDelete, "/api/lock", alice, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &v))
	assert.False(t, v.IsLocked)

	status, _ = e.do(t, http.MethodPost, "/api/lock", bob, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCatalogWritesRequireAdmin(t *testing.T) {
	e := newEnv(t)
	carol := e.signIn(t, "carol@lspd.gov")
	req := itemRequest{CategoryID: e.items[0].CategoryID, Name: "Hehlerei", Type: catalog.Crime, Fine: 800}

	status, _ := e.do(t, http.MethodPost, "/api/catalog/items", carol, req)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = e.do(t, http.MethodGet, "/api/catalog", carol, nil)
	assert.Equal(t, http.StatusOK, status)

	alice := e.signIn(t, "alice@lspd.gov")
	status, body := e.do(t, http.MethodPost, "/api/catalog/items", alice, req)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = e.do(t, http.MethodGet, "/api/catalog", alice, nil)
	require.Equal(t, http.StatusOK, status)
	var sections []catalog.Section
	require.NoError(t, json.Unmarshal(body, &sections))
	require.Len(t, sections, 1)
	assert.Len(t, sections[0].Items, 3)

	status, _ = e.do(t, http.MethodPost, "/api/catalog/items", alice, itemRequest{CategoryID: "x", Name: "", Type: catalog.Crime})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = e.do(t, http.MethodDelete, "/api/catalog/items/"+e.items[0].ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestCatalogWriteRejectedWhileLocked(t *testing.T) {
	e := newEnv(t)
	alice := e.signIn(t, "alice@lspd.gov")
	bob := e.signIn(t, "bob@lspd.gov")
	status, _ := e.do(t, http.MethodPost, "/api/lock", bob, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := e.do(t, http.MethodPost, "/api/catalog/categories", alice, addCategoryRequest{Name: "Waffen"})
	require.Equal(t, http.StatusConflict, status)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "Bob", eb.Owner)
}

func TestEditSession(t *testing.T) {
	e := newEnv(t)
	alice := e.signIn(t, "alice@lspd.gov")
	bob := e.signIn(t, "bob@lspd.gov")
	theft := e.items[0]

	status, body := e.do(t, http.MethodPost, "/api/catalog/items/"+theft.ID+"/edit", alice, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, _ = e.do(t, http.MethodPost, "/api/catalog/items/"+e.items[1].ID+"/edit", bob, nil)
	assert.Equal(t, http.StatusConflict, status)

	update := itemRequest{CategoryID: theft.CategoryID, Name: theft.Name, Type: theft.Type, Fine: 1200, DetentionMonths: 12}
	status, _ = e.do(t, http.MethodPut, "/api/catalog/items/"+e.items[1].ID, alice, update)
	assert.Equal(t, http.StatusConflict, status, "saving an item without its edit session")

	status, body = e.do(t, http.MethodPut, "/api/catalog/items/"+theft.ID, alice, update)
	require.Equal(t, http.StatusOK, status, string(body))
	var saved catalog.Item
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.EqualValues(t, 1200, saved.Fine)

	// bob learns about the release through the notification bus.
	assert.Eventually(t, func() bool {
		status, _ := e.do(t, http.MethodPost, "/api/catalog/items/"+e.items[1].ID+"/edit", bob, nil)
		return status == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	status, _ = e.do(t, http.MethodDelete, "/api/catalog/items/"+e.items[1].ID+"/edit", bob, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestSignOutReleasesEditLease(t *testing.T) {
	e := newEnv(t)
	alice := e.signIn(t, "alice@lspd.gov")
	bob := e.signIn(t, "bob@lspd.gov")

	status, _ := e.do(t, http.MethodPost, "/api/catalog/items/"+e.items[0].ID+"/edit", alice, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(t, http.MethodDelete, "/api/session", alice, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = e.do(t, http.MethodPost, "/api/lock", bob, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestTicketRoutes(t *testing.T) {
	e := newEnv(t)
	carol := e.signIn(t, "carol@lspd.gov")

	status, _ := e.do(t, http.MethodGet, "/api/ticket/summary", carol, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	for _, id := range []string{e.items[0].ID, e.items[0].ID, e.items[1].ID} {
		status, _ = e.do(t, http.MethodPost, "/api/ticket/items", carol, selectRequest{ItemID: id})
		require.Equal(t, http.StatusOK, status)
	}
	status, body := e.do(t, http.MethodPost, "/api/ticket/items", carol, selectRequest{ItemID: e.items[1].ID, Toggle: true})
	require.Equal(t, http.StatusOK, status)
	var tv catalog.TicketView
	require.NoError(t, json.Unmarshal(body, &tv))
	require.Len(t, tv.Entries, 2)
	assert.EqualValues(t, 2000, tv.TotalFine)
	assert.Equal(t, 20, tv.TotalDetention)

	status, body = e.do(t, http.MethodGet, "/api/ticket/summary", carol, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(body), "=== STRAFZETTEL ===\n"))
	assert.Contains(t, string(body), "2.000 $")

	status, _ = e.do(t, http.MethodDelete, "/api/ticket/items/"+tv.Entries[0].ID, carol, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = e.do(t, http.MethodDelete, "/api/ticket/items/"+tv.Entries[0].ID, carol, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = e.do(t, http.MethodPost, "/api/ticket/items", carol, selectRequest{ItemID: "unbekannt"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = e.do(t, http.MethodDelete, "/api/ticket", carol, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &tv))
	assert.Empty(t, tv.Entries)
}

func TestLockStream(t *testing.T) {
	e := newEnv(t)
	alice := e.signIn(t, "alice@lspd.gov")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/lock/stream?access_token="+alice, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan string, 64)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	select {
	case first := <-frames:
		assert.Contains(t, first, `"kind":"lock"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot frame")
	}

	status, _ := e.do(t, http.MethodPost, "/api/lock", alice, nil)
	require.Equal(t, http.StatusOK, status)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream closed")
			if strings.Contains(f, `"kind":"lock"`) && strings.Contains(f, `"is_mine":true`) {
				return
			}
		case <-deadline:
			t.Fatal("no frame for the acquired lock")
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	e.signIn(t, "carol@lspd.gov")

	status, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	status, body = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "strafkatalog_sessions")
	assert.Contains(t, string(body), "strafkatalog_lock_status_checks_total")
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&catalog.LockedError{Owner: "Bob"}, http.StatusConflict},
		{catalog.ErrContention, http.StatusConflict},
		{identity.ErrInvalidCredentials, http.StatusUnauthorized},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusOf(c.err), c.err.Error())
	}
}
