package catalog

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"romfetch/internal/config"
	"romfetch/internal/store"
)

const tableListing = `<!DOCTYPE html>
<html><body>
<table id="list">
<thead><tr><th>File Name</th><th>File Size</th><th>Date</th></tr></thead>
<tbody>
<tr><td class="link"><a href="../" title="Parent directory">Parent directory/</a></td><td class="size">-</td><td class="date">-</td></tr>
<tr><td class="link"><a href="Advance%20Wars%20(USA).zip" title="Advance Wars (USA).zip">Advance Wars (USA).zip</a></td><td class="size">3.1 MiB</td><td class="date">2024-01-01</td></tr>
<tr><td class="link"><a href="Golden%20Sun%20(Europe).7z">Golden Sun (Europe).7z</a></td><td class="size">5.5 MiB</td><td class="date">2024-01-01</td></tr>
<tr><td class="link"><a href="Subdir/">Subdir/</a></td><td class="size">-</td><td class="date">-</td></tr>
<tr><td class="link"><a href="Advance%20Wars%20(USA).zip">Advance Wars (USA).zip</a></td><td class="size">3.1 MiB</td><td class="date">2024-01-01</td></tr>
<tr><td class="link"><a href="https://mirror.example.org/Metroid%20Fusion%20(USA).zip">Metroid Fusion (USA).ZIP</a></td><td class="size">7 MiB</td><td class="date">2024-01-01</td></tr>
</tbody>
</table>
</body></html>`

const anchorListing = `<html><head><title>Index of /roms</title></head><body>
<h1>Index of /roms</h1>
<pre><a href="?C=N;O=D">Name</a> <a href="?C=M;O=A">Last modified</a>
<hr><a href="/">Parent Directory</a>
<a href="sub/">sub/</a>
<a href="Tetris%20(World).zip">Tetris (World).zip</a>   2020-01-01 10:00  40K
<a href="Dr.%20Mario%20(World).7z"></a>
<a href="#top">top</a>
</pre></body></html>`

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

// assertLink compares links after unescaping, since equivalent escapings
// of the same path are all valid.
func assertLink(t *testing.T, want, got string) {
	t.Helper()
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, want, u.Scheme+"://"+u.Host+u.Path)
}

func TestParse_Table(t *testing.T) {
	base := mustURL(t, "https://myrient.example/files/GBA/")
	games, err := Parse(config.RuleTable, base, "GBA", strings.NewReader(tableListing))
	require.NoError(t, err)
	require.Len(t, games, 3)

	byName := map[string]store.Game{}
	for _, g := range games {
		byName[g.Name] = g
	}

	aw := byName["Advance Wars (USA)"]
	assert.Equal(t, "GBA", aw.Platform)
	assert.Equal(t, "3.1 MiB", aw.Size)
	assertLink(t, "https://myrient.example/files/GBA/Advance Wars (USA).zip", aw.DownloadLink)
	assert.Equal(t, store.GameID("GBA", "Advance Wars (USA)"), aw.ID)

	assert.Contains(t, byName, "Golden Sun (Europe)")
	mf := byName["Metroid Fusion (USA)"]
	assertLink(t, "https://mirror.example.org/Metroid Fusion (USA).zip", mf.DownloadLink)
	assert.NotContains(t, byName, "Subdir/")
	assert.NotContains(t, byName, "Parent directory/")
}

func TestParse_Anchors(t *testing.T) {
	base := mustURL(t, "http://files.example/roms/")
	games, err := Parse(config.RuleAnchors, base, "GB", strings.NewReader(anchorListing))
	require.NoError(t, err)
	require.Len(t, games, 2)

	assert.Equal(t, "Tetris (World)", games[0].Name)
	assertLink(t, "http://files.example/roms/Tetris (World).zip", games[0].DownloadLink)
	assert.Empty(t, games[0].Size)
	assert.Equal(t, "Dr. Mario (World)", games[1].Name)
}

func TestParse_StructureMissing(t *testing.T) {
	base := mustURL(t, "https://example.com/")

	_, err := Parse(config.RuleTable, base, "GBA", strings.NewReader("<html><body><p>maintenance</p></body></html>"))
	require.ErrorIs(t, err, ErrSourceParseFailed)

	_, err = Parse(config.RuleAnchors, base, "GBA", strings.NewReader("<html><body>nothing</body></html>"))
	require.ErrorIs(t, err, ErrSourceParseFailed)

	_, err = Parse("regex", base, "GBA", strings.NewReader(tableListing))
	require.ErrorIs(t, err, ErrSourceParseFailed)
}

func TestParse_EmptyTable(t *testing.T) {
	doc := `<table><tr><td class="link"><a href="../">Parent directory/</a></td><td>-</td></tr></table>`
	games, err := Parse(config.RuleTable, mustURL(t, "https://example.com/x/"), "NES", strings.NewReader(doc))
	require.NoError(t, err)
	require.Empty(t, games)
}

func TestTrimArchiveExt(t *testing.T) {
	assert.Equal(t, "Zelda", trimArchiveExt("Zelda.zip"))
	assert.Equal(t, "Zelda", trimArchiveExt("Zelda.7Z"))
	assert.Equal(t, "Zelda.iso", trimArchiveExt("Zelda.iso"))
	assert.Equal(t, "Super Mario Bros. (World)", trimArchiveExt("Super Mario Bros. (World).zip"))
}
