package stub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartsync/cart"
	"cartsync/logging"
	"cartsync/render"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Logger: logging.NewNoopLogger()})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func postForm(t *testing.T, srv *httptest.Server, form url.Values) (int, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/cart/add.js", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func fetchFragment(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/cart?section_id=cart-drawer")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServer_AddMergesAndRendersFragment(t *testing.T) {
	s, srv := newTestServer(t)

	status, _ := postForm(t, srv, url.Values{"id": {"101"}, "quantity": {"2"}})
	require.Equal(t, http.StatusOK, status)
	status, body := postForm(t, srv, url.Values{"id": {"101"}, "quantity": {"1"}})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["quantity"])
	assert.Equal(t, 3, s.ItemCount())

	f, err := render.Parse(fetchFragment(t, srv))
	require.NoError(t, err)
	require.Len(t, f.Lines, 1)
	assert.Equal(t, uint(3), f.Lines[0].Quantity)
	assert.Equal(t, int64(13500), f.Totals.Subtotal.Amount)
	assert.Contains(t, f.Markup, cart.RegionUpsell)
	assert.Contains(t, f.Markup[cart.RegionSummary], "USD 135.00")
}

func TestServer_AddFailures(t *testing.T) {
	_, srv := newTestServer(t)

	status, body := postForm(t, srv, url.Values{"id": {"303"}, "quantity": {"1"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Sold out", body["message"])
	assert.Equal(t, "Variant unavailable", body["description"])

	status, _ = postForm(t, srv, url.Values{"id": {"999"}})
	assert.Equal(t, http.StatusNotFound, status)

	gift := url.Values{}
	gift.Set("id", "404")
	gift.Set("properties[__shopify_send_gift_card_to_recipient]", "on")
	gift.Set("properties[Recipient email]", "bad")
	status, body = postForm(t, srv, gift)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["description"], "email")
	assert.Contains(t, body["description"], "name")
}

func TestServer_ChangeAndRemove(t *testing.T) {
	s, srv := newTestServer(t)
	s.Seed("101", 1)
	s.Seed("202", 2)

	resp, err := http.Post(srv.URL+"/cart/change.js", "application/json", strings.NewReader(`{"line":1,"quantity":0}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, s.ItemCount())

	resp, err = http.Post(srv.URL+"/cart/change.js", "application/json", strings.NewReader(`{"line":5,"quantity":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f, err := render.Parse(fetchFragment(t, srv))
	require.NoError(t, err)
	require.Len(t, f.Lines, 1)
	assert.Equal(t, "202", f.Lines[0].VariantID)
	assert.Equal(t, cart.LineIndex(1), f.Lines[0].Index)
	assert.Equal(t, 3, s.Calls(EndpointRead)+s.Calls(EndpointChange))
}

func TestServer_FaultInjection(t *testing.T) {
	s, srv := newTestServer(t)
	s.FailNext(EndpointRead, http.StatusServiceUnavailable, nil)

	resp, err := http.Get(srv.URL + "/cart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/cart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, s.Calls(EndpointRead))
}

func TestServer_OmitsUpsellWithoutCandidates(t *testing.T) {
	s := New(Config{Catalog: []Variant{{ID: "1", Title: "Only", Price: 100, Available: true}}, Currency: "eur"})
	s.Seed("1", 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	f, err := render.Parse(fetchFragment(t, srv))
	require.NoError(t, err)
	assert.NotContains(t, f.Markup, cart.RegionUpsell, "no upsell candidates left")
	assert.Equal(t, "EUR", f.Totals.Subtotal.Currency)
}
