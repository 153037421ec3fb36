package drupal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shpitdev/jsonapi-layout-include/pkg/drupal"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
	"github.com/shpitdev/jsonapi-layout-include/pkg/mockdrupal"
	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/core"
	"github.com/stretchr/testify/require"
)

const (
	heroUUID  = "6b1f3c2e-2f55-4a58-9a5e-0d9a4f4e1a01"
	basicUUID = "6b1f3c2e-2f55-4a58-9a5e-0d9a4f4e1a02"
	goneUUID  = "6b1f3c2e-2f55-4a58-9a5e-0d9a4f4e1a03"
)

func newMock(t *testing.T) (*mockdrupal.Server, *httptest.Server) {
	t.Helper()
	srv := mockdrupal.New()
	srv.RequireBearerToken("dummy-token")
	require.NoError(t, srv.AddResource("block_content--hero", heroUUID, map[string]any{
		"drupal_internal__id": 7,
		"info":                "Hero",
	}))
	require.NoError(t, srv.AddResource("block_content--basic", basicUUID, map[string]any{
		"drupal_internal__id": 12,
		"info":                "Basic",
	}, "media:3"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T, baseURL string, bundles ...string) *drupal.Client {
	t.Helper()
	c, err := drupal.NewClient(drupal.Options{
		BaseURL:         baseURL,
		Token:           "dummy-token",
		BlockBundles:    bundles,
		FlattenIncludes: true,
	})
	require.NoError(t, err)
	return c
}

func TestClient_GetIndividual(t *testing.T) {
	t.Parallel()

	srv, ts := newMock(t)
	srv.SetMaxAge(300)
	c := newClient(t, ts.URL)

	ent := include.Entity{EntityType: "block_content", Bundle: "basic", UUID: basicUUID}
	ind, err := c.GetIndividual(context.Background(), ent, include.SubRequest{
		ResourceType: "block_content--basic",
		Path:         "/jsonapi/block_content/basic/" + basicUUID,
		Includes:     []string{"field_image", "field_image.field_media_image"},
	})
	require.NoError(t, err)

	doc, err := jsonapi.Decode(ind.Body)
	require.NoError(t, err)
	item, ok := doc.Data.Item()
	require.True(t, ok)
	require.Equal(t, basicUUID, item.ID)

	require.Equal(t, []string{"block_content:12", "config:jsonapi_resource_config_list", "media:3"}, ind.Cache.CacheTags())
	require.Equal(t, []string{"url.query_args:include"}, ind.Cache.CacheContexts())
	require.Equal(t, 300, ind.Cache.CacheMaxAge())

	calls := srv.Calls()
	require.Len(t, calls, 1)
	q, err := url.ParseQuery(calls[0].Query)
	require.NoError(t, err)
	require.Equal(t, "field_image,field_image.field_media_image", q.Get("include"))
	require.Equal(t, "1", q.Get("jsonapi_include"))
}

func TestClient_GetIndividualDefaultPath(t *testing.T) {
	t.Parallel()

	srv, ts := newMock(t)
	c, err := drupal.NewClient(drupal.Options{BaseURL: ts.URL + "/", Token: "dummy-token"})
	require.NoError(t, err)

	_, err = c.GetIndividual(context.Background(),
		include.Entity{EntityType: "block_content", Bundle: "hero", UUID: heroUUID},
		include.SubRequest{ResourceType: "block_content--hero"})
	require.NoError(t, err)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "/jsonapi/block_content/hero/"+heroUUID, calls[0].Path)
	require.Empty(t, calls[0].Query)
}

func TestClient_ErrorsAreClassified(t *testing.T) {
	t.Parallel()

	srv, ts := newMock(t)
	c := newClient(t, ts.URL)
	ctx := context.Background()
	hero := include.Entity{EntityType: "block_content", Bundle: "hero", UUID: heroUUID}

	_, err := c.GetIndividual(ctx, include.Entity{EntityType: "block_content", Bundle: "hero", UUID: goneUUID},
		include.SubRequest{})
	require.ErrorIs(t, err, include.ErrNotFound)
	require.True(t, drupal.IsStatus(err, http.StatusNotFound))
	require.False(t, core.IsTransient(err))

	heroPath := "/jsonapi/block_content/hero/" + heroUUID
	srv.FailNext(heroPath, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusForbidden)

	_, err = c.GetIndividual(ctx, hero, include.SubRequest{})
	require.True(t, core.IsTransient(err), "503 should be transient: %v", err)

	_, err = c.GetIndividual(ctx, hero, include.SubRequest{})
	var limited *core.LimitedTransientError
	require.True(t, errors.As(err, &limited), "429 should carry a retry cap: %v", err)
	require.Equal(t, 2, limited.MaxExtraRetries())

	_, err = c.GetIndividual(ctx, hero, include.SubRequest{})
	require.False(t, core.IsTransient(err))
	require.True(t, drupal.IsStatus(err, http.StatusForbidden))

	_, err = c.GetIndividual(ctx, hero, include.SubRequest{})
	require.NoError(t, err)
}

func TestClient_ErrorOmitsToken(t *testing.T) {
	t.Parallel()

	_, ts := newMock(t)
	c, err := drupal.NewClient(drupal.Options{BaseURL: ts.URL, Token: "wrong-secret"})
	require.NoError(t, err)

	_, err = c.GetIndividual(context.Background(),
		include.Entity{EntityType: "block_content", Bundle: "hero", UUID: heroUUID}, include.SubRequest{})
	require.Error(t, err)
	require.True(t, drupal.IsStatus(err, http.StatusUnauthorized))
	require.NotContains(t, err.Error(), "wrong-secret")
	require.Contains(t, err.Error(), "title=Unauthorized")
}

func TestClient_LoadBlocks(t *testing.T) {
	t.Parallel()

	srv, ts := newMock(t)
	// "missing" is not exposed: its lookup answers 404 and is skipped.
	c := newClient(t, ts.URL, "basic", "missing", "hero", "basic")

	got, err := c.LoadBlocks(context.Background(), []string{heroUUID, basicUUID, goneUUID})
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, include.Entity{
		EntityType: "block_content",
		Bundle:     "hero",
		UUID:       heroUUID,
		Tags:       []string{"block_content:7"},
	}, got[heroUUID])
	require.Equal(t, []string{"block_content:12"}, got[basicUUID].CacheTags())
	require.NotContains(t, got, goneUUID)

	var paths []string
	for _, call := range srv.Calls() {
		paths = append(paths, call.Path)
	}
	require.Equal(t, []string{
		"/jsonapi/block_content/basic",
		"/jsonapi/block_content/missing",
		"/jsonapi/block_content/hero",
	}, paths)

	// Blocks found in an earlier bundle are not searched for again.
	q, err := url.ParseQuery(srv.Calls()[2].Query)
	require.NoError(t, err)
	require.Equal(t, "IN", q.Get("filter[uuid][condition][operator]"))
	require.ElementsMatch(t, []string{heroUUID, goneUUID}, q["filter[uuid][condition][value][]"])
}

func TestClient_LoadBlocksChunksLargeLookups(t *testing.T) {
	t.Parallel()

	srv, ts := newMock(t)
	c := newClient(t, ts.URL, "hero")

	ids := make([]string, 0, 120)
	for i := 0; i < 119; i++ {
		ids = append(ids, strings.Replace(goneUUID, "0d9a4f4e1a03", "0d9a4f4e"+padded(i), 1))
	}
	ids = append(ids, heroUUID)

	got, err := c.LoadBlocks(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, srv.Calls(), 3)
}

func TestClient_LoadBlocksRequiresBundles(t *testing.T) {
	t.Parallel()

	_, ts := newMock(t)
	c := newClient(t, ts.URL)
	_, err := c.LoadBlocks(context.Background(), []string{heroUUID})
	require.Error(t, err)
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := drupal.NewClient(drupal.Options{})
	require.Error(t, err)

	_, err = drupal.NewClient(drupal.Options{BaseURL: "https://"})
	require.Error(t, err)

	_, err = drupal.NewClient(drupal.Options{BaseURL: "cms.example.com", CAPath: "/does/not/exist.pem"})
	require.ErrorContains(t, err, "read CA bundle")

	c, err := drupal.NewClient(drupal.Options{BaseURL: "cms.example.com/sub", APIPrefix: "/api/"})
	require.NoError(t, err)
	require.Equal(t, "https://cms.example.com/sub/", c.BaseURL().String())
	require.Equal(t, "/api", c.APIPrefix())
}

func padded(i int) string {
	const digits = "0123456789"
	return string([]byte{digits[i/100%10], digits[i/10%10], digits[i%10], 'f'})
}
