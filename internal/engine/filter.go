package engine

import (
	"ingestledger/internal/domain"
	"ingestledger/internal/message"
)

// RecordTypes is the set of record types a message may write.
type RecordTypes map[string]bool

func (rt RecordTypes) Has(recordType string) bool {
	return rt[recordType]
}

// List returns the enabled types in write order.
func (rt RecordTypes) List() []string {
	out := make([]string, 0, len(rt))
	for _, t := range domain.AllRecordTypes {
		if rt[t] {
			out = append(out, t)
		}
	}
	return out
}

func newRecordTypes(types []string) RecordTypes {
	rt := RecordTypes{}
	for _, t := range types {
		rt[t] = true
	}
	return rt
}

// recordTypes resolves the filter: the message override first, then the
// configured map, then every type.
func (e Engine) recordTypes(msg *message.Message) RecordTypes {
	workflow := msg.Meta.WorkflowName
	status := msg.Status()
	if types, ok := msg.RecordTypesFor(workflow, status); ok {
		return newRecordTypes(types)
	}
	if types, ok := e.Config.RecordTypesFor(workflow, status); ok {
		return newRecordTypes(types)
	}
	return newRecordTypes(domain.AllRecordTypes)
}
