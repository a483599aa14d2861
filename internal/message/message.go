// Package message models the workflow message consumed by the record writers
// and the transport envelopes it arrives in.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Message is a normalized workflow message.
type Message struct {
	CumulusMeta CumulusMeta     `json:"cumulus_meta"`
	Meta        Meta            `json:"meta"`
	Payload     Payload         `json:"payload"`
	Exception   json.RawMessage `json:"exception,omitempty"`
	// Replace points at the full message when it was too large to inline.
	Replace *RemoteMessage `json:"replace,omitempty"`
}

type CumulusMeta struct {
	ExecutionName      string `json:"execution_name"`
	StateMachine       string `json:"state_machine"`
	WorkflowStartTime  *int64 `json:"workflow_start_time,omitempty"`
	WorkflowStopTime   *int64 `json:"workflow_stop_time,omitempty"`
	AsyncOperationID   string `json:"async_operation_id,omitempty"`
	ParentExecutionArn string `json:"parent_execution_arn,omitempty"`
	CumulusVersion     string `json:"cumulus_version,omitempty"`
	// RecordTypes maps workflow name -> status -> record types to write.
	RecordTypes map[string]map[string][]string `json:"sf_event_sqs_to_db_records_types,omitempty"`
}

type Meta struct {
	Status              string          `json:"status"`
	WorkflowName        string          `json:"workflow_name"`
	ReportMessageSource string          `json:"reportMessageSource,omitempty"`
	Collection          *CollectionRef  `json:"collection,omitempty"`
	Provider            *ProviderRef    `json:"provider,omitempty"`
	WorkflowTasks       json.RawMessage `json:"workflow_tasks,omitempty"`
}

type CollectionRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ProviderRef struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host,omitempty"`
}

type RemoteMessage struct {
	Bucket string `json:"Bucket"`
	Key    string `json:"Key"`
}

// Payload keeps the raw payload for capture alongside the fields the
// writers read. Granules stay raw so one badly shaped granule does not fail
// the decode of its siblings.
type Payload struct {
	Granules  []json.RawMessage `json:"granules,omitempty"`
	Pdr       *PdrRef           `json:"pdr,omitempty"`
	Running   []json.RawMessage `json:"running,omitempty"`
	Completed []json.RawMessage `json:"completed,omitempty"`
	Failed    []json.RawMessage `json:"failed,omitempty"`
	Raw       json.RawMessage   `json:"-"`
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	p.Raw = append(json.RawMessage(nil), data...)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	type plain Payload
	var v plain
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	v.Raw = p.Raw
	*p = Payload(v)
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type plain Payload
	return json.Marshal(plain(p))
}

type PdrRef struct {
	Name       string `json:"name"`
	PANSent    bool   `json:"PANSent,omitempty"`
	PANmessage string `json:"PANmessage,omitempty"`
}

// Granule is a granule as declared in a workflow payload. Files stays raw so
// an absent key, an explicit null and an empty list remain distinguishable.
type Granule struct {
	GranuleID               string          `json:"granuleId"`
	Status                  string          `json:"status,omitempty"`
	Published               *bool           `json:"published,omitempty"`
	CmrLink                 string          `json:"cmrLink,omitempty"`
	Files                   json.RawMessage `json:"files,omitempty"`
	CreatedAt               *int64          `json:"createdAt,omitempty"`
	UpdatedAt               *int64          `json:"updatedAt,omitempty"`
	BeginningDateTime       string          `json:"beginningDateTime,omitempty"`
	EndingDateTime          string          `json:"endingDateTime,omitempty"`
	ProductionDateTime      string          `json:"productionDateTime,omitempty"`
	LastUpdateDateTime      string          `json:"lastUpdateDateTime,omitempty"`
	ProcessingStartDateTime string          `json:"processingStartDateTime,omitempty"`
	ProcessingEndDateTime   string          `json:"processingEndDateTime,omitempty"`
	QueryFields             json.RawMessage `json:"queryFields,omitempty"`
	SyncGranuleDuration     *float64        `json:"sync_granule_duration,omitempty"`
	PostToCmrDuration       *float64        `json:"post_to_cmr_duration,omitempty"`
	Raw                     json.RawMessage `json:"-"`
}

func (g *Granule) UnmarshalJSON(data []byte) error {
	type plain Granule
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	v.Raw = append(json.RawMessage(nil), data...)
	*g = Granule(v)
	return nil
}

func (g Granule) MarshalJSON() ([]byte, error) {
	if len(g.Raw) > 0 {
		return g.Raw, nil
	}
	type plain Granule
	return json.Marshal(plain(g))
}

// File is one declared granule file.
type File struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	FileName     string `json:"fileName,omitempty"`
	ChecksumType string `json:"checksumType,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	Size         *int64 `json:"size,omitempty"`
	Source       string `json:"source,omitempty"`
	Path         string `json:"path,omitempty"`
	Type         string `json:"type,omitempty"`
}

// ErrNullFiles reports an explicit "files": null.
var ErrNullFiles = fmt.Errorf("granule files must be a list, got null")

// FileList returns the declared files. present is false when the message
// carried no files key at all.
func (g Granule) FileList() (files []File, present bool, err error) {
	raw := bytes.TrimSpace(g.Files)
	if len(raw) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(raw, []byte("null")) {
		return nil, true, ErrNullFiles
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, true, fmt.Errorf("decode granule files: %w", err)
	}
	for i := range files {
		if files[i].FileName == "" && files[i].Key != "" {
			files[i].FileName = path.Base(files[i].Key)
		}
	}
	return files, true, nil
}

// GranuleHeader holds what the writer needs from a granule before the rest
// of it is validated.
type GranuleHeader struct {
	GranuleID string
	// FilesNull is set for an explicit "files": null.
	FilesNull bool
}

// ReadGranuleHeader reads the id and files shape of a raw granule. A missing
// or non-string granuleId yields an empty id.
func ReadGranuleHeader(raw json.RawMessage) GranuleHeader {
	var probe struct {
		GranuleID json.RawMessage `json:"granuleId"`
		Files     json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return GranuleHeader{}
	}
	var h GranuleHeader
	_ = json.Unmarshal(probe.GranuleID, &h.GranuleID)
	h.FilesNull = bytes.Equal(bytes.TrimSpace(probe.Files), []byte("null"))
	return h
}

// DecodeGranule decodes one raw payload granule.
func DecodeGranule(raw json.RawMessage) (Granule, error) {
	var g Granule
	if err := json.Unmarshal(raw, &g); err != nil {
		return Granule{}, fmt.Errorf("decode granule: %w", err)
	}
	return g, nil
}

// Decode parses a workflow message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode workflow message: %w", err)
	}
	return &m, nil
}

// ExecutionArn derives the execution arn from the state machine arn and
// execution name.
func (m *Message) ExecutionArn() (string, error) {
	sm := strings.TrimSpace(m.CumulusMeta.StateMachine)
	name := strings.TrimSpace(m.CumulusMeta.ExecutionName)
	if sm == "" || name == "" {
		return "", fmt.Errorf("cumulus_meta.state_machine and cumulus_meta.execution_name are required")
	}
	return strings.Replace(sm, ":stateMachine:", ":execution:", 1) + ":" + name, nil
}

// ExecutionURL is the Step Functions console link for arn.
func ExecutionURL(arn string) string {
	region := "us-east-1"
	if parts := strings.Split(arn, ":"); len(parts) > 3 && parts[3] != "" {
		region = parts[3]
	}
	return fmt.Sprintf("https://console.aws.amazon.com/states/home?region=%s#/executions/details/%s", region, arn)
}

// Collection returns the named collection, if any.
func (m *Message) Collection() (name, version string, ok bool) {
	c := m.Meta.Collection
	if c == nil || strings.TrimSpace(c.Name) == "" {
		return "", "", false
	}
	return c.Name, c.Version, true
}

func (m *Message) ProviderID() string {
	if m.Meta.Provider == nil {
		return ""
	}
	return strings.TrimSpace(m.Meta.Provider.ID)
}

func (m *Message) Status() string {
	return strings.TrimSpace(m.Meta.Status)
}

// Error renders the workflow exception as a structured error object.
// No exception yields {}.
func (m *Message) Error() json.RawMessage {
	raw := bytes.TrimSpace(m.Exception)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return json.RawMessage(`{}`)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" || s == "None" {
			return json.RawMessage(`{}`)
		}
		data, _ := json.Marshal(map[string]string{"Error": "Unknown Error", "Cause": s})
		return data
	}
	return append(json.RawMessage(nil), raw...)
}

// HasException reports whether Error is non-empty.
func (m *Message) HasException() bool {
	return string(m.Error()) != "{}"
}

// RecordTypesFor returns the message-level record-type override for the
// workflow and status, if one is present.
func (m *Message) RecordTypesFor(workflow, status string) ([]string, bool) {
	byStatus, ok := m.CumulusMeta.RecordTypes[workflow]
	if !ok {
		return nil, false
	}
	types, ok := byStatus[status]
	return types, ok
}
