package remote

import (
	"fmt"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
)

// IndexError reports a query the store cannot serve without an index.
type IndexError struct {
	Collection     models.Collection
	Message        string
	RemediationURL string
}

func (e *IndexError) Error() string {
	if e.RemediationURL != "" {
		return fmt.Sprintf("missing index for %s: %s (create it at %s)", e.Collection, e.Message, e.RemediationURL)
	}
	return fmt.Sprintf("missing index for %s: %s", e.Collection, e.Message)
}

func (e *IndexError) Is(target error) bool { return target == common.ErrIndexMissing }

// RejectedError is a permanent refusal of a write, such as a validation
// or permission failure. Retrying it cannot succeed.
type RejectedError struct {
	Collection models.Collection
	ID         string
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("write to %s/%s rejected: %s", e.Collection, e.ID, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == common.ErrRejected }

// Unavailable wraps err as a transient failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrUnavailable, err)
}
