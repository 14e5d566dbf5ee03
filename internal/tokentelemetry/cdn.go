package tokentelemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// CDNUpdater refreshes a QSWhitelist from the whitelist CDN collaborator of
// spec 6: an update manifest naming the current version and whether a diff
// is available, followed by either a diff or a full filter fetch.
type CDNUpdater struct {
	transport transport.Transport
	logger    arbor.ILogger
	baseURL   string
	whitelist *QSWhitelist
}

// NewCDNUpdater wires tr against baseURL (e.g.
// "https://cdn.example.com/whitelist").
func NewCDNUpdater(tr transport.Transport, logger arbor.ILogger, baseURL string, whitelist *QSWhitelist) *CDNUpdater {
	return &CDNUpdater{transport: tr, logger: logger, baseURL: baseURL, whitelist: whitelist}
}

// Refresh fetches the manifest and updates the whitelist, preferring a diff
// over a full re-fetch when the manifest offers one and a base filter is
// already loaded.
func (u *CDNUpdater) Refresh(ctx context.Context) error {
	manifestResult, err := u.transport.SendInstant(ctx, "GET", u.baseURL+"/update.json.gz")
	if err != nil {
		return types.NewTransientError("whitelist update manifest fetch failed", err)
	}
	manifestBody, err := gunzip(manifestResult.Body)
	if err != nil {
		return types.NewCorruptionError("whitelist update manifest", err)
	}

	var manifest struct {
		Version string `json:"version"`
		UseDiff bool   `json:"useDiff"`
	}
	if err := json.Unmarshal(manifestBody, &manifest); err != nil {
		return types.NewCorruptionError("whitelist update manifest", err)
	}

	currentVersion := u.whitelist.Version()
	if manifest.UseDiff && currentVersion != "" && currentVersion != manifest.Version {
		diffResult, err := u.transport.SendInstant(ctx, "GET", fmt.Sprintf("%s/%s/bf_diff_1.gz", u.baseURL, manifest.Version))
		if err == nil {
			if diffBody, err := gunzip(diffResult.Body); err == nil {
				if err := u.whitelist.ApplyDiff(manifest.Version, diffBody); err == nil {
					return nil
				}
			}
		}
		u.logger.Debug().Str("version", manifest.Version).Msg("whitelist diff unavailable or inapplicable, falling back to full fetch")
	}

	fullResult, err := u.transport.SendInstant(ctx, "GET", fmt.Sprintf("%s/%s/bloom_filter.gz", u.baseURL, manifest.Version))
	if err != nil {
		return types.NewTransientError("whitelist full fetch failed", err)
	}
	fullBody, err := gunzip(fullResult.Body)
	if err != nil {
		return types.NewCorruptionError("whitelist blob", err)
	}
	if err := u.whitelist.ApplyFull(manifest.Version, fullBody); err != nil {
		return types.NewCorruptionError("whitelist blob", err)
	}
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
