package download

import "context"

// Catalog records completed downloads. *store.Store satisfies it.
type Catalog interface {
	SetDownloaded(ctx context.Context, id string, downloaded bool) error
}

// DirResolver yields the directory new jobs write into. It is consulted once
// per job at start. *settings.Service satisfies it.
type DirResolver interface {
	DownloadDir(ctx context.Context) (string, error)
}
