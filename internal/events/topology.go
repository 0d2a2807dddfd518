package events

import "github.com/noah-isme/esg-pipeline/pkg/messaging"

// Logical operations producers publish.
const (
	OpDatasetUpload         = "dataset.upload"
	OpDataPointUpload       = "dataPoint.upload"
	OpQaVerdict             = "qa.verdict"
	OpQaVerdictDataPoint    = "qa.verdict.dataPoint"
	OpStorePublicData       = "storage.storePublicData"
	OpStorePrivateData      = "storage.storePrivateData"
	OpDatasetDeletion       = "dataset.deletion"
	OpItemStored            = "item.stored"
	OpPrivateItemStored     = "item.stored.private"
	OpSendEmail             = "email.send"
	OpDeadLetter            = "deadLetter"
	ExchangeDeadLetter      = "deadLetter"
	exchangeBackendDatasets = "backend.datasets"
	exchangeBackendStorage  = "backend.storage"
	exchangeDataQuality     = "qa-service.dataQuality"
	exchangeItems           = "internal-storage.items"
	exchangeEmail           = "email-service"
)

// Queues consumed by the pipeline services.
const (
	QueueQaUploadedData         = "qa-service.uploadedData"
	QueueQaDeleteDatasets       = "qa-service.deleteDatasets"
	QueueStoreDatasets          = "internal-storage.storeDatasets"
	QueueDeleteDatasets         = "internal-storage.deleteDatasets"
	QueueUpdateQaStatus         = "backend.updateDataPointQaStatus"
	QueueDataRequestFulfillment = "backend.dataRequestFulfillment"
	QueueSendEmail              = "email-service.sendEmail"
	QueueDeadLetterArchive      = "backend.deadLetterArchive"
)

// DefaultBindings is the canonical topology table.
func DefaultBindings() []messaging.Binding {
	dl := ExchangeDeadLetter
	return []messaging.Binding{
		{Operation: OpDatasetUpload, Exchange: exchangeBackendDatasets, RoutingKey: "dataset.upload", Queue: QueueQaUploadedData, DeadLetterExchange: dl},
		{Operation: OpDatasetUpload, Exchange: exchangeBackendDatasets, RoutingKey: "dataset.upload", Queue: QueueStoreDatasets, DeadLetterExchange: dl},
		{Operation: OpDataPointUpload, Exchange: exchangeBackendDatasets, RoutingKey: "dataPoint.upload", Queue: QueueQaUploadedData, DeadLetterExchange: dl},
		{Operation: OpDataPointUpload, Exchange: exchangeBackendDatasets, RoutingKey: "dataPoint.upload", Queue: QueueStoreDatasets, DeadLetterExchange: dl},
		{Operation: OpQaVerdict, Exchange: exchangeDataQuality, RoutingKey: "data", Queue: QueueUpdateQaStatus, DeadLetterExchange: dl},
		{Operation: OpQaVerdictDataPoint, Exchange: exchangeDataQuality, RoutingKey: "dataPoint.qa", Queue: QueueUpdateQaStatus, DeadLetterExchange: dl},
		{Operation: OpStorePublicData, Exchange: exchangeBackendStorage, RoutingKey: "storePublicData", Queue: QueueStoreDatasets, DeadLetterExchange: dl},
		{Operation: OpStorePrivateData, Exchange: exchangeBackendStorage, RoutingKey: "storePrivateDataAndDocuments", Queue: QueueStoreDatasets, DeadLetterExchange: dl},
		{Operation: OpDatasetDeletion, Exchange: exchangeBackendDatasets, RoutingKey: "dataset.deletion", Queue: QueueDeleteDatasets, DeadLetterExchange: dl},
		{Operation: OpDatasetDeletion, Exchange: exchangeBackendDatasets, RoutingKey: "dataset.deletion", Queue: QueueQaDeleteDatasets, DeadLetterExchange: dl},
		{Operation: OpItemStored, Exchange: exchangeItems, RoutingKey: "itemStored", Queue: QueueDataRequestFulfillment, DeadLetterExchange: dl},
		{Operation: OpPrivateItemStored, Exchange: exchangeItems, RoutingKey: "privateItemStored", Queue: QueueDataRequestFulfillment, DeadLetterExchange: dl},
		{Operation: OpSendEmail, Exchange: exchangeEmail, RoutingKey: "sendEmail", Queue: QueueSendEmail, DeadLetterExchange: dl},
		{Operation: OpDeadLetter, Exchange: ExchangeDeadLetter, RoutingKey: ">", Queue: QueueDeadLetterArchive},
	}
}

// LoadTopology returns the table from path, or the default table when path is empty.
func LoadTopology(path string) (*messaging.Topology, error) {
	if path != "" {
		return messaging.LoadTopologyFile(path)
	}
	return messaging.NewTopology(DefaultBindings())
}
