package api

import (
	"github.com/seal-mosaic/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetRegistry holds the mosaic services of all configured datasets. It
// is built once at startup and passed to every handler.
type DatasetRegistry struct {
	services       map[string]*service.MosaicService
	defaultDataset string
	datasetOrder   []string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.MosaicService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
	}
}

// Register adds the mosaic service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.MosaicService) {
	r.services[datasetID] = svc
}

// Get returns the mosaic service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.MosaicService {
	return r.services[datasetID]
}

// Default returns the default dataset's mosaic service.
func (r *DatasetRegistry) Default() *service.MosaicService {
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

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		if r.services[id] == nil {
			continue
		}
		infos = append(infos, DatasetInfo{ID: id, Name: id})
	}
	return infos
}
