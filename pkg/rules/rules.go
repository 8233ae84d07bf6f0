// Package rules implements the pure, deterministic rule engine (Stage B of
// the decision pipeline). Nothing here performs I/O: every input the rules
// need, including the SMS burst outcome, is supplied by the caller so the
// engine stays unit-testable without a running Redis or Postgres.
package rules

import (
	"fmt"

	"github.com/casf-systems/verifier-gateway/pkg/model"
)

// readOnlyAllowed maps each tool that supports a degraded READ_ONLY
// projection to the output tokens a caller may read back in that mode.
var readOnlyAllowed = map[model.Tool][]string{
	model.ToolListAppointments: {"slots_aggregated"},
}

// SMSBurstPolicy carries the pre-computed outcome of the SMS rate-limit
// check for this request. The caller evaluates it against kvstore before
// the rule engine runs, since only kvstore can see the shared counter
// across replicas.
type SMSBurstPolicy struct {
	// Applicable is true only when the request's tool is twilio.send_sms.
	Applicable bool
	// Unavailable is true when the limiter was absent or errored; the
	// rules fail closed on it.
	Unavailable bool
	// WithinLimit is the outcome of the atomic increment-with-expiry check.
	WithinLimit bool
}

// Input bundles everything Apply needs beyond the request itself.
type Input struct {
	Request *model.VerifyRequest
	SMS     SMSBurstPolicy
}

// Apply runs the deterministic rule set against a request. It always
// returns a response: a conclusive DENY, a degraded-read ALLOW, or the
// default preliminary ALLOW that the policy engine (Stage C) may still
// overturn. Rules fire in a fixed order; the first match wins.
func Apply(in Input) *model.VerifyResponse {
	req := in.Request

	// Traceability: every action must name a patient.
	if req.PatientID() == "" {
		return model.Deny("subject.patient_id required", "BadRequest_MissingPatientId")
	}

	if req.Mode.SafeMode() && model.IsWriteTool(req.Tool) {
		return model.Deny(fmt.Sprintf("No writes allowed in %s", req.Mode), "Inv_NoWriteSafe")
	}

	if req.Mode == model.ModeReadOnly {
		if outputs, ok := readOnlyAllowed[req.Tool]; ok {
			return model.Allow("OK (READ_ONLY degraded output)", outputs...)
		}
	}

	if in.SMS.Applicable {
		if in.SMS.Unavailable {
			return model.Deny("rate limiter unavailable (fail-closed)", "FAIL_CLOSED", "Inv_NoSmsBurst")
		}
		if !in.SMS.WithinLimit {
			return model.Deny("sms burst limit exceeded", "Inv_NoSmsBurst")
		}
	}

	return model.Allow("OK")
}
