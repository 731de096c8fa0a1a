package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"romfetch/internal/config"
	"romfetch/internal/events"
	"romfetch/internal/store"
)

func listing(names ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table><tr><td class="link"><a href="../">Parent directory/</a></td><td>-</td></tr>`)
	for _, n := range names {
		fmt.Fprintf(&b, `<tr><td class="link"><a href="%s.zip">%s.zip</a></td><td class="size">1 MiB</td></tr>`, url.PathEscape(n), n)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

// listingServer serves fixed pages by path; unknown paths return 500.
func listingServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, ok := pages[r.URL.Path]
		if !ok {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type syncHarness struct {
	st     *store.Store
	sync   *Synchronizer
	events <-chan events.Event
}

func newSyncHarness(t *testing.T, sources []config.Source) *syncHarness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	n := events.New()
	t.Cleanup(n.Close)
	ch, cancel := n.Subscribe(256, events.TopicSyncProgress)
	t.Cleanup(cancel)

	return &syncHarness{
		st:     st,
		sync:   NewSynchronizer(st, nil, sources, n, 5*time.Second),
		events: ch,
	}
}

func (h *syncHarness) progress(t *testing.T) []events.SyncProgress {
	t.Helper()
	var out []events.SyncProgress
	for {
		select {
		case evt := <-h.events:
			p := evt.Payload.(events.SyncProgress)
			out = append(out, p)
			if p.Percent == 100 && (p.Message == "Done!" || strings.HasPrefix(p.Message, "Aborted")) {
				return out
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("sync progress did not reach 100, got %+v", out)
			return nil
		}
	}
}

func TestSync_Idempotent(t *testing.T) {
	srv := listingServer(t, map[string]string{
		"/gba/": listing("Advance Wars", "Golden Sun"),
		"/nes/": listing("Zelda"),
	})
	h := newSyncHarness(t, []config.Source{
		{Platform: "GBA", URL: srv.URL + "/gba/", Rule: config.RuleTable},
		{Platform: "NES", URL: srv.URL + "/nes/", Rule: config.RuleTable},
	})
	ctx := context.Background()

	sum, err := h.sync.Sync(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 3, sum.Games)

	n, err := h.st.CountGames(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	sum, err = h.sync.Sync(ctx, Options{})
	require.NoError(t, err)
	for _, src := range sum.Sources {
		assert.Zero(t, src.Written, "unchanged listing must not rewrite %s", src.Platform)
	}
	n, err = h.st.CountGames(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestSync_FailedSourceIsolated(t *testing.T) {
	srv := listingServer(t, map[string]string{
		"/gba/":  listing("Advance Wars"),
		"/snes/": `<html><body>no table here</body></html>`,
	})
	h := newSyncHarness(t, []config.Source{
		{Platform: "GBA", URL: srv.URL + "/gba/"},
		{Platform: "NES", URL: srv.URL + "/missing/"},
		{Platform: "SNES", URL: srv.URL + "/snes/"},
	})

	sum, err := h.sync.Sync(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	require.Len(t, sum.Sources, 3)
	assert.Contains(t, sum.Sources[1].Err, ErrSourceFetchFailed.Error())
	assert.Contains(t, sum.Sources[2].Err, ErrSourceParseFailed.Error())

	games, err := h.st.Search(context.Background(), "advance", 0)
	require.NoError(t, err)
	require.Len(t, games, 1)
}

func TestSync_PreservesDownloadedFlag(t *testing.T) {
	srv := listingServer(t, map[string]string{"/gba/": listing("Advance Wars")})
	h := newSyncHarness(t, []config.Source{{Platform: "GBA", URL: srv.URL + "/gba/"}})
	ctx := context.Background()

	_, err := h.sync.Sync(ctx, Options{})
	require.NoError(t, err)
	id := store.GameID("GBA", "Advance Wars")
	require.NoError(t, h.st.SetDownloaded(ctx, id, true))

	_, err = h.sync.Sync(ctx, Options{})
	require.NoError(t, err)
	g, err := h.st.GetGame(ctx, id)
	require.NoError(t, err)
	assert.True(t, g.IsDownloaded)

	_, err = h.sync.Sync(ctx, Options{Rebuild: true})
	require.NoError(t, err)
	g, err = h.st.GetGame(ctx, id)
	require.NoError(t, err)
	assert.False(t, g.IsDownloaded, "rebuild starts from an empty catalog")
}

func TestSync_ProgressSequence(t *testing.T) {
	srv := listingServer(t, map[string]string{
		"/a/": listing("A"),
		"/b/": listing("B"),
		"/c/": listing("C"),
		"/d/": listing("D"),
	})
	var sources []config.Source
	for _, p := range []string{"a", "b", "c", "d"} {
		sources = append(sources, config.Source{Platform: strings.ToUpper(p), URL: srv.URL + "/" + p + "/"})
	}
	h := newSyncHarness(t, sources)

	_, err := h.sync.Sync(context.Background(), Options{})
	require.NoError(t, err)

	got := h.progress(t)
	var pcts []int
	for _, p := range got {
		pcts = append(pcts, p.Percent)
	}
	assert.Equal(t, []int{0, 25, 50, 75, 100, 100}, pcts)
	assert.Equal(t, "Starting…", got[0].Message)
	assert.Contains(t, got[1].Message, "A")
	assert.Equal(t, "Done!", got[len(got)-1].Message)
}

func TestSync_ProgressReaches100WhenEverySourceFails(t *testing.T) {
	srv := listingServer(t, map[string]string{})
	h := newSyncHarness(t, []config.Source{
		{Platform: "A", URL: srv.URL + "/a/"},
		{Platform: "B", URL: srv.URL + "/b/"},
	})

	sum, err := h.sync.Sync(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)

	got := h.progress(t)
	assert.Equal(t, 100, got[len(got)-1].Percent)
}

func TestSync_StoreFailureAborts(t *testing.T) {
	srv := listingServer(t, map[string]string{"/a/": listing("A"), "/b/": listing("B")})
	h := newSyncHarness(t, []config.Source{
		{Platform: "A", URL: srv.URL + "/a/"},
		{Platform: "B", URL: srv.URL + "/b/"},
	})
	require.NoError(t, h.st.Close())

	sum, err := h.sync.Sync(context.Background(), Options{})
	require.ErrorIs(t, err, store.ErrCatalogWrite)
	assert.Len(t, sum.Sources, 1, "the run stops at the first store failure")

	got := h.progress(t)
	last := got[len(got)-1]
	assert.Equal(t, 100, last.Percent)
	assert.True(t, strings.HasPrefix(last.Message, "Aborted"))
}

// blockingCatalog holds UpsertBatch until release is closed.
type blockingCatalog struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingCatalog) UpsertBatch(ctx context.Context, games []store.Game) (int, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return len(games), nil
}

func (b *blockingCatalog) ResetCatalog(context.Context) error        { return nil }
func (b *blockingCatalog) CountGames(context.Context) (int64, error) { return 0, nil }

func TestSync_SingleFlight(t *testing.T) {
	srv := listingServer(t, map[string]string{"/a/": listing("A")})
	cat := &blockingCatalog{release: make(chan struct{})}
	s := NewSynchronizer(cat, nil, []config.Source{{Platform: "A", URL: srv.URL + "/a/"}}, nil, time.Second)

	require.NoError(t, s.Launch(context.Background(), Options{}))
	require.Eventually(t, func() bool { return cat.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.Running())

	require.ErrorIs(t, s.Launch(context.Background(), Options{}), ErrSyncInProgress)
	_, err := s.Sync(context.Background(), Options{})
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(cat.release)
	s.Wait()
	require.False(t, s.Running())

	_, err = s.Sync(context.Background(), Options{})
	require.NoError(t, err)
}

func TestScheduler_SyncsEmptyCatalogOnStart(t *testing.T) {
	srv := listingServer(t, map[string]string{"/a/": listing("A", "B")})
	h := newSyncHarness(t, []config.Source{{Platform: "A", URL: srv.URL + "/a/"}})

	sc := NewScheduler(h.sync, h.st, true, 0)
	sc.Start()
	got := h.progress(t)
	sc.Stop()

	assert.Equal(t, "Done!", got[len(got)-1].Message)
	n, err := h.st.CountGames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScheduler_SkipsPopulatedCatalog(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(listing("A")))
	}))
	t.Cleanup(srv.Close)
	h := newSyncHarness(t, []config.Source{{Platform: "A", URL: srv.URL + "/a/"}})
	_, err := h.st.UpsertBatch(context.Background(), []store.Game{{Name: "X", Platform: "A", DownloadLink: "https://example.com/x.zip"}})
	require.NoError(t, err)

	sc := NewScheduler(h.sync, h.st, true, 0)
	sc.Start()
	time.Sleep(50 * time.Millisecond)
	sc.Stop()
	assert.Zero(t, hits.Load())
}

func TestScheduler_Interval(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(listing("A")))
	}))
	t.Cleanup(srv.Close)
	h := newSyncHarness(t, []config.Source{{Platform: "A", URL: srv.URL + "/a/"}})

	sc := NewScheduler(h.sync, h.st, false, 20*time.Millisecond)
	sc.Start()
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	sc.Stop()
}
