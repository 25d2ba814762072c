package orchestrator

import (
	"testing"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/endpoint"
)

func TestCapabilitiesFor(t *testing.T) {
	v1 := CapabilitiesFor(domain.ProtocolV1)
	if !v1.SupportsYieldExecution || !v1.SupportsAuthStatuses || !v1.TracksQueueCounts {
		t.Errorf("legacy protocol should enable all capabilities: %+v", v1)
	}

	v2 := CapabilitiesFor(domain.ProtocolV2)
	if v2.SupportsYieldExecution || v2.SupportsAuthStatuses || v2.TracksQueueCounts {
		t.Errorf("current protocol should have no legacy capabilities: %+v", v2)
	}

	// Неизвестная версия получает минимальный набор.
	unknown := CapabilitiesFor(domain.ProtocolVersion("2099-01-01"))
	if unknown != (Capabilities{}) {
		t.Errorf("unknown version should default to empty capabilities: %+v", unknown)
	}
}

func TestCapabilities_Allows(t *testing.T) {
	v1 := CapabilitiesFor(domain.ProtocolV1)
	v2 := CapabilitiesFor(domain.ProtocolV2)

	common := []endpoint.ExecStatus{
		endpoint.ExecStatusSuccess,
		endpoint.ExecStatusResumeWithTask,
		endpoint.ExecStatusRetryWithTask,
		endpoint.ExecStatusError,
		endpoint.ExecStatusCanceled,
	}
	for _, s := range common {
		if !v1.Allows(s) || !v2.Allows(s) {
			t.Errorf("status %s should be allowed on every version", s)
		}
	}

	legacy := []endpoint.ExecStatus{
		endpoint.ExecStatusYieldExecution,
		endpoint.ExecStatusUnresolvedAuth,
		endpoint.ExecStatusInvalidPayload,
	}
	for _, s := range legacy {
		if !v1.Allows(s) {
			t.Errorf("status %s should be allowed on the legacy version", s)
		}
		if v2.Allows(s) {
			t.Errorf("status %s should be rejected on the current version", s)
		}
	}

	if v1.Allows(endpoint.ExecStatus("MYSTERY")) {
		t.Error("unknown status should never be allowed")
	}
}
