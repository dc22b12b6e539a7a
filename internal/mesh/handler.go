package mesh

import (
	"github.com/ankouros/pmesh/internal/model"
	"github.com/ankouros/pmesh/internal/wire"
)

// handler answers the catalog and liveness messages received by the
// transfer server.
type handler struct{ m *Manager }

func (h handler) HandleFileList(from string, files []model.SharedFile) {
	if !h.m.peers.SetAdvertised(from, files) {
		log.Debug("file list from unknown peer", "peer", from)
		return
	}
	log.Debug("peer catalog updated", "peer", from, "files", len(files))
}

func (h handler) HandleHeartbeat(from string, hb wire.Heartbeat) {
	if !h.m.peers.Touch(hb.DeviceID, hb.BatteryLevel) {
		log.Debug("heartbeat from unknown peer", "peer", hb.DeviceID, "from", from)
	}
}

func (h handler) HandleSearch(from string, req wire.SearchRequest) []model.SharedFile {
	results := h.m.catalog.Search(req.Query, req.FileTypes)
	log.Debug("search", "peer", from, "query", req.Query, "results", len(results))
	return results
}
