package gate

import (
	"fmt"
	"time"

	"github.com/clawee/sidecar/pkg/catalog"
)

// ModelRegistryRequest identifies which (model_id, modality) pair a
// request is targeting.
type ModelRegistryRequest struct {
	ModelID  string
	Modality catalog.Modality
}

// ModelRegistry requires an approved, currently-valid entry for the
// requested (model_id, modality); the "*" model_id is a permitted
// fallback.
func ModelRegistry(reg catalog.ModelRegistry, req ModelRegistryRequest, now time.Time) Decision {
	entry, ok := reg.Lookup(req.ModelID, req.Modality)
	if !ok {
		return block(RiskHigh, []string{fmt.Sprintf("model-registry:no-entry:%s:%s", req.ModelID, req.Modality)},
			fmt.Sprintf("no model registry entry for %s/%s", req.ModelID, req.Modality))
	}
	if !entry.Valid(now) {
		return block(RiskHigh, []string{fmt.Sprintf("model-registry:invalid:%s:%s", req.ModelID, req.Modality)},
			fmt.Sprintf("model registry entry for %s/%s is not approved or outside its validity window", req.ModelID, req.Modality))
	}
	return allow("model registry gate passed")
}
