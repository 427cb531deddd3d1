// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/sessions/{id}", "http://localhost:8080/api/sessions/abc", 200)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/sessions/{id}")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:8080/api/sessions/abc")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestSessionAttributes(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		userID    string
		status    string
		wantLen   int
	}{
		{
			name:      "all fields",
			sessionID: "s-123",
			userID:    "u-9",
			status:    "running",
			wantLen:   3,
		},
		{
			name:      "only session id",
			sessionID: "s-123",
			userID:    "",
			status:    "",
			wantLen:   1,
		},
		{
			name:      "empty fields",
			sessionID: "",
			userID:    "",
			status:    "",
			wantLen:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := SessionAttributes(tt.sessionID, tt.userID, tt.status)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.sessionID != "" {
				verifyAttribute(t, attrs, SessionIDKey, tt.sessionID)
			}
			if tt.userID != "" {
				verifyAttribute(t, attrs, SessionUserKey, tt.userID)
			}
			if tt.status != "" {
				verifyAttribute(t, attrs, SessionStatusKey, tt.status)
			}
		})
	}
}

func TestPairAttributes(t *testing.T) {
	attrs := PairAttributes("Austin", "plumbers", 3)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, PairTownKey, "Austin")
	verifyAttribute(t, attrs, PairIndustryKey, "plumbers")
	verifyIntAttribute(t, attrs, PairPageKey, 3)
}

func TestLookupAttributes(t *testing.T) {
	attrs := LookupAttributes(5, 2, 3)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyIntAttribute(t, attrs, LookupBatchSizeKey, 5)
	verifyIntAttribute(t, attrs, LookupPendingKey, 2)
	verifyIntAttribute(t, attrs, LookupAttemptsKey, 3)
}

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("complete", 4, 45000)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, RunStatusKey, "complete")
	verifyIntAttribute(t, attrs, RunPairsKey, 4)
	verifyInt64Attribute(t, attrs, RunDurationKey, 45000)
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "network_error")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "network_error")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	// Verify attribute keys follow OpenTelemetry conventions
	keys := []string{
		HTTPMethodKey,
		HTTPStatusCodeKey,
		HTTPRouteKey,
		SessionIDKey,
		PairTownKey,
		LookupBatchSizeKey,
		RunStatusKey,
		ErrorKey,
	}

	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyInt64Attribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != expectedValue {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
