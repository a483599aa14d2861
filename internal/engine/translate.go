package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ingestledger/internal/domain"
	"ingestledger/internal/repo"
)

// ExecutionRecord is the API shape of an execution.
type ExecutionRecord struct {
	Arn              string          `json:"arn"`
	Name             string          `json:"name"`
	Execution        string          `json:"execution,omitempty"`
	Status           string          `json:"status"`
	Type             string          `json:"type,omitempty"`
	Tasks            json.RawMessage `json:"tasks,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	OriginalPayload  json.RawMessage `json:"originalPayload,omitempty"`
	FinalPayload     json.RawMessage `json:"finalPayload,omitempty"`
	Duration         *float64        `json:"duration,omitempty"`
	CollectionID     string          `json:"collectionId,omitempty"`
	AsyncOperationID string          `json:"asyncOperationId,omitempty"`
	ParentArn        string          `json:"parentArn,omitempty"`
	CumulusVersion   string          `json:"cumulusVersion,omitempty"`
	CreatedAt        int64           `json:"createdAt"`
	UpdatedAt        int64           `json:"updatedAt"`
	Timestamp        *int64          `json:"timestamp,omitempty"`
}

type FileRecord struct {
	Bucket       string  `json:"bucket"`
	Key          string  `json:"key"`
	FileName     *string `json:"fileName,omitempty"`
	ChecksumType *string `json:"checksumType,omitempty"`
	Checksum     *string `json:"checksum,omitempty"`
	Size         *int64  `json:"size,omitempty"`
	Source       *string `json:"source,omitempty"`
	Type         *string `json:"type,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// GranuleRecord is the API shape of a granule with its files.
type GranuleRecord struct {
	GranuleID               string          `json:"granuleId"`
	CollectionID            string          `json:"collectionId"`
	Status                  string          `json:"status"`
	Published               bool            `json:"published"`
	Execution               string          `json:"execution,omitempty"`
	Duration                *float64        `json:"duration,omitempty"`
	ProductVolume           *int64          `json:"productVolume,omitempty"`
	TimeToPreprocess        *float64        `json:"timeToPreprocess,omitempty"`
	TimeToArchive           *float64        `json:"timeToArchive,omitempty"`
	CmrLink                 *string         `json:"cmrLink,omitempty"`
	Error                   json.RawMessage `json:"error,omitempty"`
	PdrName                 string          `json:"pdrName,omitempty"`
	Provider                string          `json:"provider,omitempty"`
	Files                   []FileRecord    `json:"files"`
	BeginningDateTime       *string         `json:"beginningDateTime,omitempty"`
	EndingDateTime          *string         `json:"endingDateTime,omitempty"`
	ProductionDateTime      *string         `json:"productionDateTime,omitempty"`
	LastUpdateDateTime      *string         `json:"lastUpdateDateTime,omitempty"`
	ProcessingStartDateTime *string         `json:"processingStartDateTime,omitempty"`
	ProcessingEndDateTime   *string         `json:"processingEndDateTime,omitempty"`
	QueryFields             json.RawMessage `json:"queryFields,omitempty"`
	CreatedAt               int64           `json:"createdAt"`
	UpdatedAt               int64           `json:"updatedAt"`
	Timestamp               int64           `json:"timestamp"`
}

type PdrRecord struct {
	PdrName      string          `json:"pdrName"`
	CollectionID string          `json:"collectionId"`
	Provider     string          `json:"provider"`
	Execution    string          `json:"execution,omitempty"`
	Status       string          `json:"status"`
	Progress     *float64        `json:"progress,omitempty"`
	PANSent      bool            `json:"PANSent"`
	PANmessage   *string         `json:"PANmessage,omitempty"`
	Stats        json.RawMessage `json:"stats,omitempty"`
	Duration     *float64        `json:"duration,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
	Timestamp    *int64          `json:"timestamp,omitempty"`
}

func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (e Engine) collectionID(ctx context.Context, cumulusID int64) (string, error) {
	c, err := e.Repo.GetCollectionByID(ctx, cumulusID)
	if err != nil {
		return "", fmt.Errorf("load collection %d: %w", cumulusID, err)
	}
	return domain.CollectionID(c.Name, c.Version), nil
}

func executionName(arn string) string {
	for i := len(arn) - 1; i >= 0; i-- {
		if arn[i] == ':' {
			return arn[i+1:]
		}
	}
	return arn
}

// TranslateExecution renders a stored execution as an API record.
func (e Engine) TranslateExecution(ctx context.Context, x domain.Execution) (ExecutionRecord, error) {
	out := ExecutionRecord{
		Arn:             x.Arn,
		Name:            executionName(x.Arn),
		Status:          x.Status,
		Tasks:           x.Tasks,
		Error:           x.Error,
		OriginalPayload: x.OriginalPayload,
		FinalPayload:    x.FinalPayload,
		Duration:        x.Duration,
		CreatedAt:       x.CreatedAt,
		UpdatedAt:       x.UpdatedAt,
		Timestamp:       x.Timestamp,
	}
	if x.URL != nil {
		out.Execution = *x.URL
	}
	if x.WorkflowName != nil {
		out.Type = *x.WorkflowName
	}
	if x.CumulusVersion != nil {
		out.CumulusVersion = *x.CumulusVersion
	}
	if x.CollectionCumulusID != nil {
		id, err := e.collectionID(ctx, *x.CollectionCumulusID)
		if err != nil {
			return out, err
		}
		out.CollectionID = id
	}
	if x.AsyncOperationCumulusID != nil {
		id, err := e.Repo.AsyncOperationIDByCumulusID(ctx, *x.AsyncOperationCumulusID)
		if err != nil {
			return out, fmt.Errorf("load async operation: %w", err)
		}
		out.AsyncOperationID = id
	}
	if x.ParentCumulusID != nil {
		arn, err := e.Repo.ExecutionArnByID(ctx, *x.ParentCumulusID)
		if err != nil {
			return out, fmt.Errorf("load parent execution: %w", err)
		}
		out.ParentArn = arn
	}
	return out, nil
}

// TranslateGranule renders a stored granule and its files as an API record.
func (e Engine) TranslateGranule(ctx context.Context, g domain.Granule) (GranuleRecord, error) {
	out := GranuleRecord{
		GranuleID:               g.GranuleID,
		Status:                  g.Status,
		Published:               g.Published,
		Duration:                g.Duration,
		ProductVolume:           g.ProductVolume,
		TimeToPreprocess:        g.TimeToProcess,
		TimeToArchive:           g.TimeToArchive,
		CmrLink:                 g.CmrLink,
		Error:                   g.Error,
		BeginningDateTime:       g.BeginningDateTime,
		EndingDateTime:          g.EndingDateTime,
		ProductionDateTime:      g.ProductionDateTime,
		LastUpdateDateTime:      g.LastUpdateDateTime,
		ProcessingStartDateTime: g.ProcessingStartDateTime,
		ProcessingEndDateTime:   g.ProcessingEndDateTime,
		QueryFields:             g.QueryFields,
		CreatedAt:               g.CreatedAt,
		UpdatedAt:               g.UpdatedAt,
		Timestamp:               g.Timestamp,
		Files:                   []FileRecord{},
	}
	collectionID, err := e.collectionID(ctx, g.CollectionCumulusID)
	if err != nil {
		return out, err
	}
	out.CollectionID = collectionID
	if g.ExecutionCumulusID != nil {
		x, err := optional(ptrOf(e.Repo.GetExecutionByID(ctx, *g.ExecutionCumulusID)))
		if err != nil {
			return out, fmt.Errorf("load execution: %w", err)
		}
		if x != nil && x.URL != nil {
			out.Execution = *x.URL
		}
	}
	if g.PdrCumulusID != nil {
		name, err := e.Repo.PdrNameByID(ctx, *g.PdrCumulusID)
		if err != nil {
			return out, fmt.Errorf("load pdr: %w", err)
		}
		out.PdrName = name
	}
	if g.ProviderCumulusID != nil {
		name, err := e.Repo.ProviderNameByID(ctx, *g.ProviderCumulusID)
		if err != nil {
			return out, fmt.Errorf("load provider: %w", err)
		}
		out.Provider = name
	}
	files, err := e.Repo.ListFiles(ctx, g.CumulusID)
	if err != nil {
		return out, fmt.Errorf("load files: %w", err)
	}
	for _, f := range files {
		out.Files = append(out.Files, FileRecord{
			Bucket:       f.Bucket,
			Key:          f.Key,
			FileName:     f.FileName,
			ChecksumType: f.ChecksumType,
			Checksum:     f.ChecksumValue,
			Size:         f.Size,
			Source:       f.Source,
			Type:         f.Type,
			CreatedAt:    f.CreatedAt,
			UpdatedAt:    f.UpdatedAt,
		})
	}
	return out, nil
}

// TranslatePdr renders a stored pdr as an API record.
func (e Engine) TranslatePdr(ctx context.Context, p domain.Pdr) (PdrRecord, error) {
	out := PdrRecord{
		PdrName:    p.Name,
		Status:     p.Status,
		Progress:   p.Progress,
		PANSent:    p.PanSent,
		PANmessage: p.PanMessage,
		Stats:      p.Stats,
		Duration:   p.Duration,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
		Timestamp:  p.Timestamp,
	}
	collectionID, err := e.collectionID(ctx, p.CollectionCumulusID)
	if err != nil {
		return out, err
	}
	out.CollectionID = collectionID
	provider, err := e.Repo.ProviderNameByID(ctx, p.ProviderCumulusID)
	if err != nil {
		return out, fmt.Errorf("load provider: %w", err)
	}
	out.Provider = provider
	if p.ExecutionCumulusID != nil {
		x, err := optional(ptrOf(e.Repo.GetExecutionByID(ctx, *p.ExecutionCumulusID)))
		if err != nil {
			return out, fmt.Errorf("load execution: %w", err)
		}
		if x != nil && x.URL != nil {
			out.Execution = *x.URL
		}
	}
	return out, nil
}

func ptrOf[T any](v T, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	return &v, nil
}
