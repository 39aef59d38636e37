package identity

import (
	"context"

	"github.com/communityfund/ngo-portal/internal/rbac"
)

// FromContext returns the signed-in record resolved by the route guard, or
// nil for anonymous and still-loading requests.
func FromContext(ctx context.Context) *Record {
	rec, _ := rbac.PrincipalFromContext(ctx).(*Record)
	return rec
}
