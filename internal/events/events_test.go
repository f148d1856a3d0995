package events

import (
	"encoding/json"
	"testing"
)

func TestEventMarshal(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"message": "hello"})
	event := Event{
		Type:      SubjectCapsuleCreated,
		CapsuleID: "cap123",
		PeerID:    "peer456",
		Data:      data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Type != SubjectCapsuleCreated {
		t.Errorf("type = %q, want %q", decoded.Type, SubjectCapsuleCreated)
	}
	if decoded.CapsuleID != "cap123" {
		t.Errorf("capsule_id = %q, want %q", decoded.CapsuleID, "cap123")
	}
	if decoded.PeerID != "peer456" {
		t.Errorf("peer_id = %q, want %q", decoded.PeerID, "peer456")
	}

	var payload map[string]string
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["message"] != "hello" {
		t.Errorf("data.message = %q, want %q", payload["message"], "hello")
	}
}

func TestEventMarshal_EmptyOptionals(t *testing.T) {
	data, _ := json.Marshal(nil)
	event := Event{
		Type: SubjectPeerRecovered,
		Data: data,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	str := string(encoded)
	if contains(str, `"capsule_id"`) {
		t.Error("empty capsule_id should be omitted")
	}
	if contains(str, `"peer_id"`) {
		t.Error("empty peer_id should be omitted")
	}
}

func TestSubjectConstants(t *testing.T) {
	subjects := []string{
		SubjectCapsuleCreated, SubjectCapsuleUpdated, SubjectCapsuleDeleted,
		SubjectLineageChanged,
		SubjectPeerRegistered, SubjectPeerRecovered, SubjectPeerRevoked,
		SubjectSyncCompleted, SubjectSyncFailed,
		SubjectSessionRevoked,
	}

	for _, s := range subjects {
		if s == "" {
			t.Error("empty subject constant")
		}
		if len(s) < 7 {
			t.Errorf("subject %q seems too short", s)
		}
		if s[:6] != "forge." {
			t.Errorf("subject %q should start with 'forge.'", s)
		}
	}
}

func TestEventJSON_Tags(t *testing.T) {
	data := []byte(`{"t":"TEST","capsule_id":"c","peer_id":"p","d":{"key":"val"}}`)
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if event.Type != "TEST" {
		t.Errorf("Type = %q, want %q", event.Type, "TEST")
	}
	if event.CapsuleID != "c" {
		t.Errorf("CapsuleID = %q, want %q", event.CapsuleID, "c")
	}
	if event.PeerID != "p" {
		t.Errorf("PeerID = %q, want %q", event.PeerID, "p")
	}
}

func TestPublishCapsuleEvent_DataShape(t *testing.T) {
	raw, err := json.Marshal(CapsuleEventData{CapsuleID: "A", ParentIDs: []string{"B", "C"}})
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded CapsuleEventData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.CapsuleID != "A" || len(decoded.ParentIDs) != 2 {
		t.Errorf("unexpected decoded data: %+v", decoded)
	}
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
