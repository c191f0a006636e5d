package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

// assertJSONTag checks the name a field is served under by the dashboard API.
func assertJSONTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	if got := f.Tag.Get("json"); got != expected {
		t.Errorf("%s.%s json tag = %q, want %q", typ.Name(), fieldName, got, expected)
	}
}

func TestConversationSettings_Fields(t *testing.T) {
	typ := reflect.TypeOf(ConversationSettings{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "AccountID", "uniqueIndex:idx_account_conversation")
	assertGormTag(t, typ, "ConversationID", "uniqueIndex:idx_account_conversation")
	assertGormTag(t, typ, "ChatID", "index")
	assertGormTag(t, typ, "DisplayMode", "default:predictive")
	assertGormTag(t, typ, "PinMode", "default:off")
	assertGormTag(t, typ, "LiveMessages", "type:json")
	assertGormTag(t, typ, "UpdatedAt", "index")

	assertFieldType(t, typ, "Enabled", "bool")
	assertFieldType(t, typ, "HistoryRuns", "int64")
	assertFieldType(t, typ, "AvgDurationMs", "float64")
	assertFieldType(t, typ, "AvgSteps", "float64")
	assertFieldType(t, typ, "CreatedAt", "time.Time")

	assertJSONTag(t, typ, "ConversationID", "conversationId")
	assertJSONTag(t, typ, "AvgDurationMs", "avgDurationMs")
	// The raw ref column never leaves the process as JSON.
	assertJSONTag(t, typ, "LiveMessages", "-")
}

func TestRunRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(RunRecord{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "AccountID", "index")
	assertGormTag(t, typ, "ConversationID", "index")
	assertGormTag(t, typ, "Error", "type:text")
	assertGormTag(t, typ, "EndedAt", "index")

	assertFieldType(t, typ, "Steps", "int")
	assertFieldType(t, typ, "DurationMs", "int64")
	assertFieldType(t, typ, "Success", "bool")
	assertFieldType(t, typ, "InputTokens", "int64")
	assertFieldType(t, typ, "OutputTokens", "int64")

	assertJSONTag(t, typ, "DurationMs", "durationMs")
	assertJSONTag(t, typ, "Error", "error,omitempty")
}
