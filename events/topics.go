package events

import (
	"encoding/json"
	"strings"
)

const (
	// PublicTopic carries events of PUBLIC complaints to every interested viewer.
	PublicTopic = "PUBLIC:complaints"
	// EscalationDueTopic is consumed by the escalation timer consumer.
	EscalationDueTopic = "SYSTEM:escalation_due"
	// ClosureDueTopic is consumed by the closure timer consumer.
	ClosureDueTopic = "SYSTEM:closure_due"
)

// Topic builds the compound key "<ROLE>:<key>".
func Topic(role Role, key string) string {
	return string(role) + ":" + key
}

// SplitTopic is the inverse of Topic.
func SplitTopic(topic string) (Role, string, bool) {
	role, key, ok := strings.Cut(topic, ":")
	if !ok || key == "" {
		return "", "", false
	}
	return Role(role), key, true
}

// Route decodes raw as the variant selected by t and returns its topics.
func Route(t Type, raw json.RawMessage) ([]string, error) {
	p, err := Decode(t, raw)
	if err != nil {
		return nil, err
	}
	return p.Topics(), nil
}

func (p Created) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p Updated) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p Upvoted) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p Deleted) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p Delegated) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	t.add(Topic(RoleResolver, p.DelegatedTo))
	return t.list()
}

func (p Escalated) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.PreviousAssignee))
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p EscalationDue) Topics() []string {
	var t topicSet
	t.add(EscalationDueTopic)
	t.add(Topic(RoleIssueIncharge, p.InchargeID))
	return t.list()
}

func (p Resolved) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

func (p ClosureDue) Topics() []string {
	return []string{ClosureDueTopic}
}

func (p Closed) Topics() []string {
	var t topicSet
	p.audience(&t)
	t.add(Topic(RoleIssueIncharge, p.IsAssignedTo))
	return t.list()
}

// topicSet keeps insertion order and drops duplicates and empty keys.
type topicSet struct {
	seen  map[string]struct{}
	items []string
}

func (t *topicSet) add(topic string) {
	if strings.HasSuffix(topic, ":") {
		return
	}
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	if _, ok := t.seen[topic]; ok {
		return
	}
	t.seen[topic] = struct{}{}
	t.items = append(t.items, topic)
}

func (t *topicSet) list() []string { return t.items }
