package ui

//go:generate templ generate

import (
	"encoding/json"
	"net/url"

	"romfetch/internal/download"
	"romfetch/internal/store"
)

func jobPercent(job download.JobInfo) string {
	if job.Percent == "" {
		return "0.00"
	}
	return job.Percent
}

func actionLabel(g store.Game) string {
	if g.IsDownloaded {
		return "Download again"
	}
	return "Download"
}

// downloadVals is the hx-vals payload of a game's download button.
func downloadVals(g store.Game) string {
	b, _ := json.Marshal(map[string]string{"id": g.ID, "url": g.DownloadLink, "file_name": g.Name})
	return string(b)
}

func transferText(j download.JobInfo) string {
	s := Bytes(j.Received) + " / " + Bytes(j.Total)
	if j.Percent != "" {
		s += " (" + j.Percent + "%)"
	}
	return s
}

func cancelURL(gameID string) string {
	return "/api/download?id=" + url.QueryEscape(gameID)
}
