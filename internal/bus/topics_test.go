package bus

import (
	"strings"
	"testing"
)

func TestTaskTopics_SharePrefix(t *testing.T) {
	topics := []string{TopicTaskCreated, TopicTaskCompleted, TopicTaskRejected, TopicTaskOverdue}
	seen := map[string]bool{}
	for _, topic := range topics {
		if !strings.HasPrefix(topic, "task.") {
			t.Fatalf("topic %q lacks task. prefix", topic)
		}
		seen[topic] = true
	}
	if len(seen) != len(topics) {
		t.Fatalf("duplicate topics: %v", topics)
	}
}

func TestTaskIDOf(t *testing.T) {
	cases := []struct {
		name    string
		payload interface{}
		wantID  uint64
		wantOK  bool
	}{
		{"created", TaskCreatedEvent{TaskID: 7}, 7, true},
		{"completed", TaskCompletedEvent{TaskID: 2}, 2, true},
		{"overdue", TaskOverdueEvent{TaskID: 9}, 9, true},
		{"rejected complete", TaskRejectedEvent{Op: "complete", TaskID: 4, Code: 403}, 4, true},
		{"rejected unknown id", TaskRejectedEvent{Op: "complete", TaskID: 5, Code: 404}, 5, false},
		{"rejected create", TaskRejectedEvent{Op: "create"}, 0, false},
		{"foreign", "hello", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := TaskIDOf(tc.payload)
			if id != tc.wantID || ok != tc.wantOK {
				t.Fatalf("TaskIDOf = (%d, %v), want (%d, %v)", id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}
