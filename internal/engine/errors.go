package engine

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeUnmetRequirements      = "UNMET_REQUIREMENTS"
	ErrCodeFileWriteFailed        = "GRANULE_FILE_WRITE_FAILED"
	ErrCodeSchemaInvalid          = "GRANULE_SCHEMA_INVALID"
	ErrCodeMalformedMessage       = "MALFORMED_MESSAGE"
	ErrCodeIdentityConflict       = "GRANULE_IDENTITY_CONFLICT"
	ErrCodeGranuleWritesFailed    = "GRANULE_WRITES_FAILED"
	ErrCodeAssociationWriteFailed = "ASSOCIATION_WRITES_FAILED"
)

var (
	ErrUnmetRequirements = apperrors.New("unmet requirements", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnmetRequirements)
	ErrFileWriteFailed = apperrors.New("granule file write failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeFileWriteFailed)
	ErrSchemaInvalid = apperrors.New("granule failed schema validation", apperrors.CategoryValidation).
				WithTextCode(ErrCodeSchemaInvalid)
	ErrMalformedMessage = apperrors.New("malformed workflow message", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeMalformedMessage)
	ErrIdentityConflict = apperrors.New("granule id belongs to another collection", apperrors.CategoryConflict).
				WithTextCode(ErrCodeIdentityConflict)
)

func newError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrMalformedMessage
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the outermost ledger error in err.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsUnmetRequirements(err error) bool {
	return ErrorCode(err) == ErrCodeUnmetRequirements
}

func IsFileWriteFailure(err error) bool {
	return ErrorCode(err) == ErrCodeFileWriteFailed
}

// aggregate folds per-granule failures into one error that carries every
// cause alongside the succeeded and failed granule ids.
func aggregate(code, what string, failed map[string]error, succeeded []string, total int) error {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	causes := make([]error, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		causes = append(causes, fmt.Errorf("granule %s: %w", id, failed[id]))
	}
	if succeeded == nil {
		succeeded = []string{}
	}
	// Wrap would adopt the category and code of the first ledger error among
	// the causes, so the aggregate is built fresh.
	err := apperrors.New(
		fmt.Sprintf("%s failed for %d of %d granules", what, len(failed), total),
		apperrors.CategoryHandler,
	).
		WithTextCode(code).
		WithMetadata(map[string]any{
			"failed_granules":    ids,
			"succeeded_granules": succeeded,
			"failed_count":       len(failed),
			"total":              total,
		})
	err.Source = stderrors.Join(causes...)
	return err
}

