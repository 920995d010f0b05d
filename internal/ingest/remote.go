package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
)

type googleKind int

const (
	googleDoc googleKind = iota + 1
	googleSheet
)

var (
	googleDocRe   = regexp.MustCompile(`^/document/d/([A-Za-z0-9_-]+)`)
	googleSheetRe = regexp.MustCompile(`^/spreadsheets/d/([A-Za-z0-9_-]+)`)
)

// GoogleExportURL maps a Google Docs or Sheets link to its plain export:
// text for documents, CSV for spreadsheets (keeping the gid tab selector).
func GoogleExportURL(u *url.URL) (string, googleKind, bool) {
	if u.Host != "docs.google.com" {
		return "", 0, false
	}
	if m := googleDocRe.FindStringSubmatch(u.Path); m != nil {
		return fmt.Sprintf("https://docs.google.com/document/d/%s/export?format=txt", m[1]), googleDoc, true
	}
	if m := googleSheetRe.FindStringSubmatch(u.Path); m != nil {
		export := fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/export?format=csv", m[1])
		gid := u.Query().Get("gid")
		if gid == "" {
			if frag, err := url.ParseQuery(u.Fragment); err == nil {
				gid = frag.Get("gid")
			}
		}
		if gid != "" {
			export += "&gid=" + url.QueryEscape(gid)
		}
		return export, googleSheet, true
	}
	return "", 0, false
}

// fetchExport downloads an export URL. Permission and not-found responses
// come back with instructions to make the document public.
func fetchExport(ctx context.Context, client *http.Client, export string, limit int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, export, nil)
	if err != nil {
		return "", extractionErr(export, "invalid export URL", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", extractionErr(export, "could not download the document", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return "", extractionErr(export,
			fmt.Sprintf("document is not accessible (HTTP %d); make sure link sharing is set to \"Anyone with the link can view\"", resp.StatusCode), nil)
	default:
		return "", extractionErr(export, fmt.Sprintf("download failed with HTTP %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", extractionErr(export, "could not read the document", err)
	}
	if int64(len(data)) > limit {
		return "", extractionErr(export, fmt.Sprintf("document exceeds %d bytes", limit), nil)
	}
	return decodeText(data)
}
