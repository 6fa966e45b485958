package tenantctx

import "errors"

var ErrVenueAccessDenied = errors.New("venue does not belong to tenant")
