//go:build integration

package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"romfetch/internal/catalog"
	"romfetch/internal/config"
	"romfetch/internal/download"
	"romfetch/internal/events"
	"romfetch/internal/extract"
	"romfetch/internal/server"
	"romfetch/internal/settings"
	"romfetch/internal/store"
)

func buildZip(t *testing.T, name string, size int) ([]byte, []byte) {
	t.Helper()
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), payload
}

// mirror serves a one-entry listing and the archive it links to.
func mirror(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mirror"))
	})
	mux.HandleFunc("/roms/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/roms/Zelda (USA).zip" {
			http.ServeContent(w, r, "zelda.zip", time.Unix(0, 0), bytes.NewReader(archive))
			return
		}
		fmt.Fprint(w, `<html><body><table>
<tr><td class="link"><a href="../">Parent directory/</a></td><td class="size">-</td></tr>
<tr><td class="link"><a href="Zelda%20(USA).zip">Zelda (USA).zip</a></td><td class="size">3 MiB</td></tr>
</table></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitEvent(t *testing.T, ch <-chan events.Event, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(20 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed")
			}
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestEndToEnd_SyncSearchDownloadExtract(t *testing.T) {
	archive, payload := buildZip(t, "zelda.nes", 3<<20)
	remote := mirror(t, archive)

	st, err := store.Open(filepath.Join(t.TempDir(), "romfetch.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	notifier := events.New()
	defer notifier.Close()
	evts, cancelSub := notifier.Subscribe(4096)
	defer cancelSub()

	downloadDir := filepath.Join(t.TempDir(), "Roms")
	dirs := settings.New(st, downloadDir)

	mgr := download.NewManager(download.Options{
		Workers:      4,
		Chunks:       4,
		MinSplitSize: 1 << 20,
		ProbeURL:     remote.URL + "/",
		Catalog:      st,
		Dirs:         dirs,
		Events:       notifier,
		Extractor:    extract.Archive{},
	})
	defer mgr.Shutdown()

	sources := []config.Source{{Platform: "NES", URL: remote.URL + "/roms/", Rule: config.RuleTable}}
	syncer := catalog.NewSynchronizer(st, nil, sources, notifier, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := server.New(server.Deps{
		Downloads: mgr,
		Catalog:   st,
		Settings:  dirs,
		Library:   syncer,
		Events:    notifier,
		Base:      ctx,
	})
	defer h.Close()
	api := httptest.NewServer(h)
	defer api.Close()

	// 1. Update the library.
	resp := postJSON(t, api.URL+"/api/library/update", map[string]bool{"rebuild": false})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("library update status=%d", resp.StatusCode)
	}
	waitEvent(t, evts, func(e events.Event) bool {
		p, ok := e.Payload.(events.SyncProgress)
		return ok && p.Percent == 100
	})
	syncer.Wait()

	// 2. Search.
	resp, err = http.Get(api.URL + "/api/games?q=zelda")
	if err != nil {
		t.Fatal(err)
	}
	var found struct {
		Games []store.Game `json:"games"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(found.Games) != 1 {
		t.Fatalf("games=%+v", found.Games)
	}
	game := found.Games[0]

	// 3. Download.
	resp = postJSON(t, api.URL+"/api/download", map[string]string{"id": game.ID, "url": game.DownloadLink, "file_name": game.Name})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status=%d", resp.StatusCode)
	}
	waitEvent(t, evts, func(e events.Event) bool {
		if p, ok := e.Payload.(events.DownloadRemoved); ok {
			t.Fatalf("download removed: %s", p.Reason)
		}
		p, ok := e.Payload.(events.DownloadComplete)
		return ok && p.ID == game.ID
	})

	path := filepath.Join(downloadDir, "Zelda (USA).zip")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, archive) {
		t.Fatal("downloaded archive differs from the remote")
	}
	g, err := st.GetGame(context.Background(), game.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsDownloaded {
		t.Fatal("game not marked downloaded")
	}

	// 4. Extraction runs after completion.
	extracted := filepath.Join(extract.DestDir(path), "zelda.nes")
	deadline := time.Now().Add(10 * time.Second)
	for {
		if b, err := os.ReadFile(extracted); err == nil && bytes.Equal(b, payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("extracted file %s not found", extracted)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if parts, _ := filepath.Glob(filepath.Join(downloadDir, "*.part")); len(parts) > 0 {
		t.Fatalf("part files left behind: %v", parts)
	}
}
