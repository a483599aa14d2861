package domain

import (
	"encoding/json"
	"strings"
)

// Workflow and granule statuses.
const (
	StatusRunning   = "running"
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IsTerminal reports whether status is a final state for write-constraint purposes.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Record types an orchestrated write may produce.
const (
	RecordExecution = "execution"
	RecordGranule   = "granule"
	RecordPdr       = "pdr"
)

// AllRecordTypes lists every record type in write order.
var AllRecordTypes = []string{RecordExecution, RecordPdr, RecordGranule}

// Notification event names.
const (
	EventCreate = "Create"
	EventUpdate = "Update"
)

type Collection struct {
	CumulusID int64  `json:"cumulus_id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// CollectionID renders the name___version identifier used by API records.
func CollectionID(name, version string) string {
	return name + "___" + version
}

// ParseCollectionID splits a name___version identifier.
func ParseCollectionID(id string) (name, version string, ok bool) {
	name, version, ok = strings.Cut(id, "___")
	if !ok || name == "" || version == "" {
		return "", "", false
	}
	return name, version, true
}

type Provider struct {
	CumulusID int64   `json:"cumulus_id"`
	Name      string  `json:"name"`
	Protocol  *string `json:"protocol,omitempty"`
	Host      *string `json:"host,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

type AsyncOperation struct {
	CumulusID     int64   `json:"cumulus_id"`
	ID            string  `json:"id"`
	Description   *string `json:"description,omitempty"`
	OperationType *string `json:"operation_type,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Execution is one workflow run keyed by arn.
type Execution struct {
	CumulusID               int64           `json:"cumulus_id"`
	Arn                     string          `json:"arn"`
	URL                     *string         `json:"url,omitempty"`
	Status                  string          `json:"status"`
	CumulusVersion          *string         `json:"cumulus_version,omitempty"`
	Tasks                   json.RawMessage `json:"tasks,omitempty"`
	WorkflowName            *string         `json:"workflow_name,omitempty"`
	Error                   json.RawMessage `json:"error,omitempty"`
	OriginalPayload         json.RawMessage `json:"original_payload,omitempty"`
	FinalPayload            json.RawMessage `json:"final_payload,omitempty"`
	Duration                *float64        `json:"duration,omitempty"`
	AsyncOperationCumulusID *int64          `json:"async_operation_cumulus_id,omitempty"`
	CollectionCumulusID     *int64          `json:"collection_cumulus_id,omitempty"`
	ParentCumulusID         *int64          `json:"parent_cumulus_id,omitempty"`
	CreatedAt               int64           `json:"created_at"`
	UpdatedAt               int64           `json:"updated_at"`
	Timestamp               *int64          `json:"timestamp,omitempty"`
}

// Granule is keyed by (GranuleID, CollectionCumulusID).
type Granule struct {
	CumulusID               int64           `json:"cumulus_id"`
	GranuleID               string          `json:"granule_id"`
	CollectionCumulusID     int64           `json:"collection_cumulus_id"`
	Status                  string          `json:"status"`
	Published               bool            `json:"published"`
	Duration                *float64        `json:"duration,omitempty"`
	ProductVolume           *int64          `json:"product_volume,omitempty"`
	TimeToProcess           *float64        `json:"time_to_process,omitempty"`
	TimeToArchive           *float64        `json:"time_to_archive,omitempty"`
	CmrLink                 *string         `json:"cmr_link,omitempty"`
	Error                   json.RawMessage `json:"error,omitempty"`
	PdrCumulusID            *int64          `json:"pdr_cumulus_id,omitempty"`
	ProviderCumulusID       *int64          `json:"provider_cumulus_id,omitempty"`
	ExecutionCumulusID      *int64          `json:"execution_cumulus_id,omitempty"`
	BeginningDateTime       *string         `json:"beginning_date_time,omitempty"`
	EndingDateTime          *string         `json:"ending_date_time,omitempty"`
	ProductionDateTime      *string         `json:"production_date_time,omitempty"`
	LastUpdateDateTime      *string         `json:"last_update_date_time,omitempty"`
	ProcessingStartDateTime *string         `json:"processing_start_date_time,omitempty"`
	ProcessingEndDateTime   *string         `json:"processing_end_date_time,omitempty"`
	QueryFields             json.RawMessage `json:"query_fields,omitempty"`
	CreatedAt               int64           `json:"created_at"`
	UpdatedAt               int64           `json:"updated_at"`
	Timestamp               int64           `json:"timestamp"`
}

// File belongs to exactly one granule; (Bucket, Key) is unique.
type File struct {
	CumulusID        int64   `json:"cumulus_id"`
	GranuleCumulusID int64   `json:"granule_cumulus_id"`
	Bucket           string  `json:"bucket"`
	Key              string  `json:"key"`
	FileName         *string `json:"file_name,omitempty"`
	ChecksumType     *string `json:"checksum_type,omitempty"`
	ChecksumValue    *string `json:"checksum_value,omitempty"`
	Size             *int64  `json:"size,omitempty"`
	Source           *string `json:"source,omitempty"`
	Path             *string `json:"path,omitempty"`
	Type             *string `json:"type,omitempty"`
	CreatedAt        int64   `json:"created_at"`
	UpdatedAt        int64   `json:"updated_at"`
}

type GranuleExecution struct {
	GranuleCumulusID   int64 `json:"granule_cumulus_id"`
	ExecutionCumulusID int64 `json:"execution_cumulus_id"`
}

type Pdr struct {
	CumulusID           int64           `json:"cumulus_id"`
	Name                string          `json:"name"`
	Status              string          `json:"status"`
	CollectionCumulusID int64           `json:"collection_cumulus_id"`
	ProviderCumulusID   int64           `json:"provider_cumulus_id"`
	ExecutionCumulusID  *int64          `json:"execution_cumulus_id,omitempty"`
	Progress            *float64        `json:"progress,omitempty"`
	PanSent             bool            `json:"pan_sent"`
	PanMessage          *string         `json:"pan_message,omitempty"`
	Stats               json.RawMessage `json:"stats,omitempty"`
	Duration            *float64        `json:"duration,omitempty"`
	CreatedAt           int64           `json:"created_at"`
	UpdatedAt           int64           `json:"updated_at"`
	Timestamp           *int64          `json:"timestamp,omitempty"`
}
