// Package pipeline orchestrates the decision pipeline: idempotency gate,
// rule engine, external policy evaluation, audit append, and decision
// caching (Stages A through E). It owns the precedence between these
// stages and the fail-open/fail-closed semantics that differ between
// read-only and write tools.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casf-systems/verifier-gateway/pkg/kvstore"
	"github.com/casf-systems/verifier-gateway/pkg/model"
	"github.com/casf-systems/verifier-gateway/pkg/policy"
	"github.com/casf-systems/verifier-gateway/pkg/rules"
	"github.com/casf-systems/verifier-gateway/pkg/telemetry"
)

// KVStore is the subset of kvstore.Store the pipeline depends on, narrowed
// for test substitution.
type KVStore interface {
	CheckAndClaim(ctx context.Context, requestID, fingerprint string, ttl time.Duration) (kvstore.ReplayResult, error)
	StoreDecision(ctx context.Context, requestID, fingerprint string, decision json.RawMessage) error
	CheckAndIncrement(ctx context.Context, key string, limit int64, windowSeconds int) (kvstore.RateLimitResult, error)
}

// PolicyClient is the subset of policy.Client the pipeline depends on.
type PolicyClient interface {
	Evaluate(ctx context.Context, input map[string]interface{}) (policy.Decision, error)
}

// AuditLog is the subset of audit.Log the pipeline depends on.
type AuditLog interface {
	Append(ctx context.Context, requestID, eventID, actor, action string, decision model.Decision, payload map[string]interface{}) (*model.AuditEvent, error)
}

// SMSLimit is a per-window send budget.
type SMSLimit struct {
	Limit         int64
	WindowSeconds int
}

// Config bundles the pipeline's tunables.
type Config struct {
	AntiReplayEnabled bool
	AntiReplayTTL     time.Duration

	// SMSDefault applies to every tenant without an override.
	SMSDefault SMSLimit
	// SMSTenantOverrides maps tenant_id to a tenant-specific budget.
	SMSTenantOverrides map[string]SMSLimit
}

// smsLimitFor resolves the budget for a tenant.
func (c Config) smsLimitFor(tenantID string) SMSLimit {
	if l, ok := c.SMSTenantOverrides[tenantID]; ok {
		return l
	}
	return c.SMSDefault
}

// Pipeline wires the gateway's external collaborators into the decision
// flow described by the precedence table in Evaluate.
type Pipeline struct {
	kv       KVStore
	policy   PolicyClient
	auditLog AuditLog
	metrics  *telemetry.Registry
	cfg      Config
}

// New constructs a Pipeline from its collaborators.
func New(kv KVStore, policyClient PolicyClient, auditLog AuditLog, metrics *telemetry.Registry, cfg Config) *Pipeline {
	return &Pipeline{kv: kv, policy: policyClient, auditLog: auditLog, metrics: metrics, cfg: cfg}
}

// replayAuditAction marks the audit event appended when a replayed
// request is served from the decision cache.
const replayAuditAction = "REPLAY_DETECTED"

// requestBody is the shape fingerprinted for replay detection and embedded
// in audit payloads: everything the caller submitted, keyed the same way
// the wire request is. Fingerprinting strips request_id before hashing.
func requestBody(req *model.VerifyRequest) map[string]interface{} {
	return map[string]interface{}{
		"request_id": req.RequestID,
		"tool":       req.Tool,
		"mode":       req.Mode,
		"role":       req.Role,
		"subject":    req.Subject,
		"args":       req.Args,
		"context":    req.Context,
	}
}

// Evaluate runs req through the full pipeline and returns the final
// decision. Precedence, highest rank first:
//
//	 1. BadRequest_MissingPatientId   — request-shape failure, 400 at the HTTP layer, nothing touched
//	 2. Inv_ReplayPayloadMismatch     — request_id reused for a different body
//	 3. Inv_ReplayConcurrent          — same request_id still in flight
//	 4. cached replay decision        — identical request_id+body seen before: stored decision verbatim
//	 5. Inv_ReplayCheckUnavailable    — idempotency store unreachable: FAIL_CLOSED on writes, bypassed on reads
//	 6. rule FAIL_CLOSED              — rate-limiter infrastructure trouble on an SMS send
//	 7. rule hard deny                — Inv_NoWriteSafe, Inv_NoSmsBurst
//	 8. FAIL_CLOSED + OPA_Unavailable — policy engine unreachable on a write tool
//	 9. OPA_Deny / policy violations  — policy engine denied
//	10. FAIL_CLOSED + Audit_Unavailable — audit append failed: downgrade an ALLOW to DENY
//	11. rule result                   — usually the preliminary ALLOW
func (p *Pipeline) Evaluate(ctx context.Context, req *model.VerifyRequest) (*model.VerifyResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.Evaluate")
	defer span.End()

	start := time.Now()
	p.metrics.IncCounter(telemetry.VerifyTotal, nil)
	p.metrics.AddGauge(telemetry.VerifyInFlight, 1)
	defer func() {
		p.metrics.AddGauge(telemetry.VerifyInFlight, -1)
		p.metrics.ObserveDuration(telemetry.VerifyDurationSeconds, time.Since(start))
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Rank 1 sits above the idempotency gate: an untraceable request must
	// not claim a replay slot or leave an audit row.
	if req.PatientID() == "" {
		res := rules.Apply(rules.Input{Request: req})
		p.recordDecision(res)
		return res, nil
	}

	res, state := p.stageAIdempotency(ctx, req)
	if res != nil {
		p.recordDecision(res)
		return res, nil
	}

	res = p.stageBRules(ctx, req)
	if res.Decision == model.DecisionDeny {
		// Rule denies (ranks 6 and 7) outrank the policy engine; audit
		// them and stop.
		p.finalize(ctx, req, res, state)
		return res, nil
	}

	if overturned := p.stageCPolicy(ctx, req); overturned != nil {
		res = overturned
	}

	p.finalize(ctx, req, res, state)
	return res, nil
}

// replayState carries Stage A's outcome to later stages, which need to
// know the fingerprint and whether to store a decision at the end.
type replayState struct {
	enabled     bool
	fingerprint string
}

func (p *Pipeline) stageAIdempotency(ctx context.Context, req *model.VerifyRequest) (*model.VerifyResponse, *replayState) {
	state := &replayState{}
	if !p.cfg.AntiReplayEnabled {
		return nil, state
	}

	fp, err := kvstore.Fingerprint(requestBody(req))
	if err != nil {
		// Fingerprinting is pure local computation; a failure means a
		// non-serializable request body, which decode already rules out.
		// Proceed without replay protection rather than invent a verdict.
		return nil, state
	}
	state.fingerprint = fp
	state.enabled = true

	replay, err := p.kv.CheckAndClaim(ctx, req.RequestID, fp, p.cfg.AntiReplayTTL)
	if err != nil {
		state.enabled = false
		return p.replayStoreDown(req), state
	}

	if replay.IsNew {
		return nil, state
	}

	if !replay.FingerprintMatch {
		p.metrics.IncCounter(telemetry.ReplayMismatchTotal, nil)
		return model.Deny("request_id reused with a different request body", "Inv_ReplayPayloadMismatch"), state
	}

	if replay.CachedDecision == nil {
		// Claimed but the original caller hasn't stored a decision yet:
		// a genuinely concurrent duplicate submission.
		p.metrics.IncCounter(telemetry.ReplayConcurrentTotal, nil)
		return model.Deny("concurrent duplicate request in flight", "Inv_ReplayConcurrent"), state
	}

	var cached model.VerifyResponse
	if err := json.Unmarshal(replay.CachedDecision, &cached); err != nil {
		// An unreadable stored decision is indistinguishable from a store
		// fault; apply the same fail-mode split.
		state.enabled = false
		return p.replayStoreDown(req), state
	}

	p.metrics.IncCounter(telemetry.ReplayHitTotal, nil)
	p.auditReplayDetected(ctx, req, &cached)
	return &cached, state
}

// replayStoreDown applies the Stage A fail-mode split: writes fail closed,
// reads continue as if anti-replay were disabled.
func (p *Pipeline) replayStoreDown(req *model.VerifyRequest) *model.VerifyResponse {
	if !model.IsWriteTool(req.Tool) {
		return nil
	}
	p.metrics.IncCounter(telemetry.FailClosedTotal, map[string]string{"trigger": "redis"})
	return model.Deny("idempotency store unavailable", "FAIL_CLOSED", "Inv_ReplayCheckUnavailable")
}

// auditReplayDetected appends a best-effort REPLAY_DETECTED event. A
// failure here never alters the returned decision.
func (p *Pipeline) auditReplayDetected(ctx context.Context, req *model.VerifyRequest, res *model.VerifyResponse) {
	payload := map[string]interface{}{
		"request":  requestBody(req),
		"response": res,
	}
	_, _ = p.auditLog.Append(ctx, req.RequestID, uuid.NewString(), actorFor(req), replayAuditAction, res.Decision, payload)
}

func (p *Pipeline) stageBRules(ctx context.Context, req *model.VerifyRequest) *model.VerifyResponse {
	// The safe-mode write ban outranks the SMS limit, so a banned send
	// never consumes rate-limit budget.
	sms := rules.SMSBurstPolicy{Applicable: req.Tool == model.ToolSendSMS && !req.Mode.SafeMode()}
	if sms.Applicable {
		budget := p.cfg.smsLimitFor(req.TenantID())
		key := fmt.Sprintf("sms:%s:%s", req.TenantID(), req.PatientID())
		result, err := p.kv.CheckAndIncrement(ctx, key, budget.Limit, budget.WindowSeconds)
		if err != nil {
			sms.Unavailable = true
			p.metrics.IncCounter(telemetry.FailClosedTotal, map[string]string{"trigger": "rules"})
		} else {
			sms.WithinLimit = result.Allowed
			if !result.Allowed {
				p.metrics.IncCounter(telemetry.RateLimitDenyTotal, nil)
			}
		}
	}

	return rules.Apply(rules.Input{Request: req, SMS: sms})
}

// stageCPolicy consults the external policy engine. It returns nil when
// the rule engine's preliminary result should stand, or a replacement
// response when policy overturns it or fails closed.
func (p *Pipeline) stageCPolicy(ctx context.Context, req *model.VerifyRequest) *model.VerifyResponse {
	input := map[string]interface{}{
		"tool":    req.Tool,
		"mode":    req.Mode,
		"role":    req.Role,
		"subject": req.Subject,
		"args":    req.Args,
		"context": req.Context,
	}

	decision, err := p.policy.Evaluate(ctx, input)
	if err != nil {
		kind := "unknown"
		var policyErr *policy.Error
		if asPolicyErr(err, &policyErr) {
			kind = string(policyErr.Kind)
		}
		p.metrics.IncCounter(telemetry.OPAErrorTotal, map[string]string{"kind": kind})

		if !model.IsWriteTool(req.Tool) {
			// Reads treat an unreachable engine as "no verdict".
			return nil
		}
		p.metrics.IncCounter(telemetry.FailClosedTotal, map[string]string{"trigger": "opa"})
		return model.Deny("policy engine unavailable (fail-closed on write)", "FAIL_CLOSED", "OPA_Unavailable")
	}

	if !decision.Allow {
		violations := decision.Violations
		if len(violations) == 0 {
			violations = []string{"OPA_Deny"}
		}
		return model.Deny("denied by policy engine", violations...)
	}

	return nil
}

func asPolicyErr(err error, target **policy.Error) bool {
	pe, ok := err.(*policy.Error)
	if ok {
		*target = pe
	}
	return ok
}

// finalize appends the decision to the audit log, downgrading an ALLOW to
// a fail-closed DENY if the append itself fails, then stores the decision
// back into the idempotency claim so replays return it verbatim.
func (p *Pipeline) finalize(ctx context.Context, req *model.VerifyRequest, res *model.VerifyResponse, state *replayState) {
	payload := map[string]interface{}{
		"request":  requestBody(req),
		"response": res,
	}

	_, err := p.auditLog.Append(ctx, req.RequestID, uuid.NewString(), actorFor(req), string(req.Tool), res.Decision, payload)
	if err != nil && res.Decision != model.DecisionDeny {
		p.metrics.IncCounter(telemetry.FailClosedTotal, map[string]string{"trigger": "audit"})
		*res = *model.Deny("audit append failed (fail-closed)", "FAIL_CLOSED", "Audit_Unavailable")
	}

	p.recordDecision(res)
	p.storeReplayDecision(ctx, req, res, state)
}

func (p *Pipeline) storeReplayDecision(ctx context.Context, req *model.VerifyRequest, res *model.VerifyResponse, state *replayState) {
	if state == nil || !state.enabled {
		return
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = p.kv.StoreDecision(ctx, req.RequestID, state.fingerprint, encoded)
}

func (p *Pipeline) recordDecision(res *model.VerifyResponse) {
	p.metrics.IncCounter(telemetry.VerifyDecisionTotal, map[string]string{"decision": string(res.Decision)})
}

func actorFor(req *model.VerifyRequest) string {
	return "role:" + string(req.Role)
}
