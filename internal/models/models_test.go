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

func TestInterview_Fields(t *testing.T) {
	typ := reflect.TypeOf(Interview{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "RoomID", "index")
	assertGormTag(t, typ, "RoomID", "not null")
	assertGormTag(t, typ, "Participant", "index")
	assertGormTag(t, typ, "Status", "default:completed")
	assertGormTag(t, typ, "Metadata", "type:json")
	assertGormTag(t, typ, "Entries", "foreignKey:InterviewID")
}

func TestTranscriptEntry_Fields(t *testing.T) {
	typ := reflect.TypeOf(TranscriptEntry{})

	assertGormTag(t, typ, "InterviewID", "index:idx_interview_seq")
	assertGormTag(t, typ, "Sequence", "index:idx_interview_seq")
	assertGormTag(t, typ, "Sender", "size:8")
	assertGormTag(t, typ, "Text", "type:text")
}
