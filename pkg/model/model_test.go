package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresKnownEnums(t *testing.T) {
	req := &VerifyRequest{
		RequestID: "r1",
		Tool:      "cliniccloud.create_appointment",
		Mode:      "ALLOW",
		Role:      "receptionist",
		Context:   map[string]interface{}{"tenant_id": "t1"},
	}
	require.NoError(t, req.Validate())

	bad := *req
	bad.Tool = "acme.launch_missiles"
	assert.Error(t, bad.Validate())

	bad2 := *req
	bad2.Mode = "yolo"
	assert.Error(t, bad2.Validate())

	bad3 := *req
	bad3.RequestID = ""
	assert.Error(t, bad3.Validate())

	bad4 := *req
	bad4.Role = "janitor"
	assert.Error(t, bad4.Validate())

	bad5 := *req
	bad5.Context = map[string]interface{}{}
	assert.Error(t, bad5.Validate())
}

func TestSafeModeClassification(t *testing.T) {
	assert.True(t, ModeReadOnly.SafeMode())
	assert.True(t, ModeKillSwitch.SafeMode())
	assert.False(t, ModeAllow.SafeMode())
	assert.False(t, ModeStepUp.SafeMode())
}

func TestIsWriteToolClassification(t *testing.T) {
	assert.True(t, IsWriteTool(ToolCreateAppointment))
	assert.True(t, IsWriteTool(ToolCancelAppointment))
	assert.True(t, IsWriteTool(ToolSendSMS))
	assert.True(t, IsWriteTool(ToolGenerateInvoice))
	assert.False(t, IsWriteTool(ToolListAppointments))
	assert.False(t, IsWriteTool(ToolSummaryHistory))
}

func TestPatientIDExtraction(t *testing.T) {
	req := &VerifyRequest{Subject: map[string]interface{}{"patient_id": "p-123"}}
	assert.Equal(t, "p-123", req.PatientID())

	empty := &VerifyRequest{}
	assert.Equal(t, "", empty.PatientID())

	wrongType := &VerifyRequest{Subject: map[string]interface{}{"patient_id": 42}}
	assert.Equal(t, "", wrongType.PatientID())
}

func TestDenyDedupesViolationsPreservingOrder(t *testing.T) {
	res := Deny("nope", "FAIL_CLOSED", "OPA_Deny", "FAIL_CLOSED")
	assert.Equal(t, []string{"FAIL_CLOSED", "OPA_Deny"}, res.Violations)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, []string{}, res.AllowedOutputs)
}

func TestAllowDefaultsToEmptyOutputs(t *testing.T) {
	res := Allow("ok")
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Equal(t, []string{}, res.AllowedOutputs)
	assert.Equal(t, []string{}, res.Violations)
}
