package archive

import (
	"context"
	"fmt"
	"strings"

	"tdl-archive-manager/internal/model"
)

type SyncResult struct {
	Export   model.ExportRun `json:"export"`
	Download *DownloadResult `json:"download,omitempty"`
}

// SyncSource exports a source and downloads from that export when it
// references any media. An export failure skips the download.
func (s *Service) SyncSource(ctx context.Context, sourceID int64) (SyncResult, error) {
	exp, err := s.ExportMessages(ctx, sourceID)
	res := SyncResult{Export: exp}
	if err != nil {
		return res, err
	}
	if exp.MediaCount == 0 {
		s.logger.Info("export has no media, skipping download", "source_id", sourceID, "export_id", exp.ID)
		return res, nil
	}
	dl, err := s.DownloadFromExport(ctx, exp.ID)
	res.Download = &dl
	return res, err
}

// ImportSources upserts every chat the tool lists and returns how many were
// seen. Existing flags, folders and checkpoints are kept.
func (s *Service) ImportSources(ctx context.Context, filter string) (int, error) {
	chats, err := s.tool.ListChats(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list chats: %w", err)
	}
	n := 0
	for _, chat := range chats {
		id := strings.TrimSpace(chat.ID.String())
		if id == "" {
			continue
		}
		if _, err := s.store.UpsertSource(ctx, model.Source{
			ExternalID: id,
			Name:       chat.VisibleName,
			Type:       chat.Type,
			Username:   chat.Username,
			Active:     true,
		}); err != nil {
			return n, fmt.Errorf("store chat %s: %w", id, err)
		}
		n++
	}
	s.logger.Info("imported sources", "count", n, "filter", filter)
	return n, nil
}

// AddSource registers a single source by external id.
func (s *Service) AddSource(ctx context.Context, src model.Source) (model.Source, error) {
	src.ExternalID = strings.TrimSpace(src.ExternalID)
	if src.ExternalID == "" {
		return model.Source{}, fmt.Errorf("external id is required")
	}
	if strings.TrimSpace(src.Name) == "" {
		src.Name = src.ExternalID
	}
	return s.store.UpsertSource(ctx, src)
}
