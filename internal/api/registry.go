package api

import (
	"github.com/soma-tiles/tileindex/internal/pyramid"
	"github.com/soma-tiles/tileindex/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID   string             `json:"id"`
	Name string             `json:"name"`
	Kind pyramid.Projection `json:"kind"`
}

// DatasetRegistry holds index services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.IndexService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.IndexService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds an index service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.IndexService) {
	r.services[datasetID] = svc
}

// Get returns the index service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.IndexService {
	return r.services[datasetID]
}

// Default returns the default dataset's index service.
func (r *DatasetRegistry) Default() *service.IndexService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Tile Index"
}

// Datasets returns dataset info for all registered datasets. Configured
// datasets that failed to load are left out.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		// Use the config ID as the display name (user-defined in server.yaml)
		infos = append(infos, DatasetInfo{
			ID:   id,
			Name: id,
			Kind: svc.Kind(),
		})
	}
	return infos
}
