package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func game(platform, name string) Game {
	return Game{
		Name:         name,
		Platform:     platform,
		Size:         "1.2 MiB",
		DownloadLink: "https://example.com/" + platform + "/" + name + ".zip",
	}
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := st.UpsertBatch(context.Background(), []Game{game("DS", "Mario")}); err != nil {
		t.Fatalf("UpsertBatch() failed: %v", err)
	}
	st.Close()

	st, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st.Close()
	n, err := st.CountGames(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("CountGames() = %d, %v; want 1", n, err)
	}
}

func TestGameID(t *testing.T) {
	a := GameID("Nintendo DS", "Mario Kart DS (USA)")
	b := GameID("  nintendo ds ", "MARIO KART DS (USA)")
	if a != b {
		t.Errorf("GameID should ignore case and surrounding space: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("GameID length = %d, want 16", len(a))
	}
	if GameID("Nintendo DS", "Mario") == GameID("Nintendo 3DS", "Mario") {
		t.Error("GameID should differ across platforms")
	}
	if GameID("ab", "c") == GameID("a", "bc") {
		t.Error("GameID should separate platform and name")
	}
}

func TestUpsertBatch_Idempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	batch := []Game{game("DS", "Mario"), game("DS", "Zelda"), game("GB", "Tetris")}

	written, err := st.UpsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("UpsertBatch() failed: %v", err)
	}
	if written != 3 {
		t.Errorf("first batch wrote %d rows, want 3", written)
	}

	written, err = st.UpsertBatch(ctx, []Game{game("DS", "Mario"), game("DS", "Zelda"), game("GB", "Tetris")})
	if err != nil {
		t.Fatalf("second UpsertBatch() failed: %v", err)
	}
	if written != 0 {
		t.Errorf("identical batch wrote %d rows, want 0", written)
	}

	n, _ := st.CountGames(ctx)
	if n != 3 {
		t.Errorf("CountGames() = %d, want 3", n)
	}
}

func TestUpsertBatch_UpdatesChangedFields(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	g := game("DS", "Mario")
	if _, err := st.UpsertBatch(ctx, []Game{g}); err != nil {
		t.Fatal(err)
	}
	g.ID = ""
	g.Size = "9.9 MiB"
	written, err := st.UpsertBatch(ctx, []Game{g})
	if err != nil {
		t.Fatal(err)
	}
	if written != 1 {
		t.Errorf("changed record wrote %d rows, want 1", written)
	}

	got, err := st.GetGame(ctx, GameID("DS", "Mario"))
	if err != nil {
		t.Fatalf("GetGame() failed: %v", err)
	}
	if got.Size != "9.9 MiB" {
		t.Errorf("Size = %q, want updated value", got.Size)
	}
}

func TestUpsertBatch_PreservesDownloaded(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	g := game("DS", "Mario")
	if _, err := st.UpsertBatch(ctx, []Game{g}); err != nil {
		t.Fatal(err)
	}
	id := GameID("DS", "Mario")
	if err := st.SetDownloaded(ctx, id, true); err != nil {
		t.Fatalf("SetDownloaded() failed: %v", err)
	}

	g.ID = ""
	g.DownloadLink = "https://mirror.example.com/mario.zip"
	if _, err := st.UpsertBatch(ctx, []Game{g}); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetGame(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDownloaded {
		t.Error("UpsertBatch must not reset is_downloaded")
	}
	if got.DownloadLink != "https://mirror.example.com/mario.zip" {
		t.Errorf("DownloadLink = %q, want updated", got.DownloadLink)
	}
}

func TestUpsertBatch_InvalidRecordRollsBack(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertBatch(ctx, []Game{game("DS", "Mario"), {Name: "", Platform: "DS"}})
	if !errors.Is(err, ErrInvalidGame) {
		t.Fatalf("expected ErrInvalidGame, got %v", err)
	}
	n, _ := st.CountGames(ctx)
	if n != 0 {
		t.Errorf("CountGames() = %d after rejected batch, want 0", n)
	}
}

func TestUpsertBatch_ClosedStoreIsCatalogWrite(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	_, err = st.UpsertBatch(context.Background(), []Game{game("DS", "Mario")})
	if !errors.Is(err, ErrCatalogWrite) {
		t.Fatalf("expected ErrCatalogWrite, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	batch := []Game{
		game("Nintendo DS", "Mario Kart DS"),
		game("Nintendo DS", "New Super Mario Bros."),
		game("Nintendo Game Boy", "Tetris"),
		game("Sony Playstation Portable", "Lumines"),
		game("Nintendo DS", "100% Pure_Test"),
	}
	if _, err := st.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		term  string
		want  []string
		limit int
	}{
		{"empty term", "   ", nil, 0},
		{"case insensitive", "mario", []string{"Mario Kart DS", "New Super Mario Bros."}, 0},
		{"platform match", "game boy", []string{"Tetris"}, 0},
		{"percent is literal", "%", []string{"100% Pure_Test"}, 0},
		{"underscore is literal", "e_t", []string{"100% Pure_Test"}, 0},
		{"limit", "nintendo", []string{"100% Pure_Test", "Mario Kart DS"}, 2},
		{"no match", "zelda", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.Search(ctx, tt.term, tt.limit)
			if err != nil {
				t.Fatalf("Search() failed: %v", err)
			}
			if got == nil {
				t.Fatal("Search() must return a non-nil slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Search(%q) returned %d rows, want %d: %+v", tt.term, len(got), len(tt.want), got)
			}
			for i, g := range got {
				if g.Name != tt.want[i] {
					t.Errorf("row %d = %q, want %q", i, g.Name, tt.want[i])
				}
				term := strings.ToLower(strings.TrimSpace(tt.term))
				if !strings.Contains(strings.ToLower(g.Name), term) && !strings.Contains(strings.ToLower(g.Platform), term) {
					t.Errorf("row %q does not contain %q", g.Name, tt.term)
				}
			}
		})
	}
}

func TestSearch_DefaultLimit(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	batch := make([]Game, 0, DefaultSearchLimit+25)
	for i := 0; i < DefaultSearchLimit+25; i++ {
		batch = append(batch, game("GBA", fmt.Sprintf("Game %03d", i)))
	}
	if _, err := st.UpsertBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}
	got, err := st.Search(ctx, "game", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultSearchLimit {
		t.Errorf("Search() returned %d rows, want %d", len(got), DefaultSearchLimit)
	}
}

func TestSetDownloaded_NotFound(t *testing.T) {
	st := setupTestStore(t)
	err := st.SetDownloaded(context.Background(), "missing", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetGame_NotFound(t *testing.T) {
	st := setupTestStore(t)
	_, err := st.GetGame(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetCatalog(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	if _, err := st.UpsertBatch(ctx, []Game{game("DS", "Mario"), game("DS", "Zelda")}); err != nil {
		t.Fatal(err)
	}
	if err := st.ResetCatalog(ctx); err != nil {
		t.Fatalf("ResetCatalog() failed: %v", err)
	}
	n, _ := st.CountGames(ctx)
	if n != 0 {
		t.Errorf("CountGames() = %d after reset, want 0", n)
	}
}

func TestSettings(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetSetting(ctx, "download_dir"); err != nil || ok {
		t.Fatalf("unset key: ok=%v err=%v", ok, err)
	}
	if err := st.SetSetting(ctx, "download_dir", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetSetting(ctx, "download_dir", "/b"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := st.GetSetting(ctx, "download_dir")
	if err != nil || !ok || v != "/b" {
		t.Fatalf("GetSetting() = %q, %v, %v; want /b", v, ok, err)
	}
	if err := st.DeleteSetting(ctx, "download_dir"); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteSetting(ctx, "download_dir"); err != nil {
		t.Fatalf("deleting unset key should succeed: %v", err)
	}
	if _, ok, _ := st.GetSetting(ctx, "download_dir"); ok {
		t.Error("setting still present after delete")
	}
}

func TestSubscribeChanges(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	ch, unsubscribe := st.SubscribeChanges(4)
	defer unsubscribe()

	if _, err := st.UpsertBatch(ctx, []Game{game("DS", "Mario")}); err != nil {
		t.Fatal(err)
	}
	id := GameID("DS", "Mario")
	if err := st.SetDownloaded(ctx, id, true); err != nil {
		t.Fatal(err)
	}

	want := []ChangeEvent{{Type: ChangeCatalog}, {Type: ChangeDownloaded, ID: id}}
	for i, w := range want {
		select {
		case evt := <-ch:
			if evt != w {
				t.Errorf("event %d = %+v, want %+v", i, evt, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestConcurrentBatchesAndReads(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	const writers = 4
	const perBatch = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]Game, 0, perBatch)
			for i := 0; i < perBatch; i++ {
				batch = append(batch, game(fmt.Sprintf("P%d", w), fmt.Sprintf("Game %d", i)))
			}
			if _, err := st.UpsertBatch(ctx, batch); err != nil {
				errs <- err
			}
		}(w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := st.Search(ctx, "game", 1000)
			if err != nil {
				errs <- err
				return
			}
			// Batches are atomic, so readers only see whole batches.
			if len(got)%perBatch != 0 {
				errs <- fmt.Errorf("observed partial batch: %d rows", len(got))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n, _ := st.CountGames(ctx)
	if n != writers*perBatch {
		t.Errorf("CountGames() = %d, want %d", n, writers*perBatch)
	}
}
