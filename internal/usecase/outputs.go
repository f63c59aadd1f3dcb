// Package usecase contains the queue job processors and their shared logic.
package usecase

import (
	"sort"
	"strings"

	"github.com/influencerai/worker/internal/domain"
)

var videoExts = []string{".mp4", ".webm", ".mov", ".avi", ".mkv", ".gif"}

// LocateVideoAsset scans graph outputs for the produced video. Entries named
// *.mp4 win; otherwise the first entry tagged video/output, carrying a url,
// or named with a media extension is taken. Scan order is deterministic.
func LocateVideoAsset(res domain.GraphResult) (domain.GraphAsset, bool) {
	entries := collectOutputEntries(res.Outputs)
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Filename), ".mp4") {
			return e, true
		}
	}
	for _, e := range entries {
		if e.Type == "video" || e.Type == "output" || e.URL != "" || hasVideoExt(e.Filename) {
			return e, true
		}
	}
	return domain.GraphAsset{}, false
}

// LocateImageAsset returns the first filename-bearing output entry.
func LocateImageAsset(res domain.GraphResult) (domain.GraphAsset, bool) {
	for _, e := range collectOutputEntries(res.Outputs) {
		if e.Filename != "" {
			return e, true
		}
	}
	return domain.GraphAsset{}, false
}

func hasVideoExt(name string) bool {
	name = strings.ToLower(name)
	for _, ext := range videoExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// collectOutputEntries flattens the per-node output arrays in sorted
// node-id and key order.
func collectOutputEntries(outputs map[string]any) []domain.GraphAsset {
	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var entries []domain.GraphAsset
	for _, id := range nodeIDs {
		node, ok := outputs[id].(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			arr, ok := node[k].([]any)
			if !ok {
				continue
			}
			for _, item := range arr {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				entries = append(entries, domain.GraphAsset{
					Filename:  str(m["filename"]),
					Subfolder: str(m["subfolder"]),
					Type:      str(m["type"]),
					URL:       str(m["url"]),
				})
			}
		}
	}
	return entries
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
