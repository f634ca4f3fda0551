package models

import (
	"fmt"
	"strings"
)

// Topic is a category of broadcast scope. Most topics are parametrized
// by an instance id (a board id, a user id, ...). Singleton topics cover
// process-wide or connection-wide concerns and carry no instance id.
type Topic string

const (
	TopicBoard     Topic = "board"
	TopicBoardCard Topic = "board-card"
	TopicDashboard Topic = "dashboard"
	TopicUser      Topic = "user"
	TopicBot       Topic = "bot"
	TopicGlobal    Topic = "global"
)

var knownTopics = map[Topic]bool{
	TopicBoard:     true,
	TopicBoardCard: true,
	TopicDashboard: true,
	TopicUser:      true,
	TopicBot:       true,
	TopicGlobal:    true,
}

// Singleton reports whether the topic is addressed without an instance id.
func (t Topic) Singleton() bool {
	return t == TopicDashboard || t == TopicGlobal
}

func (t Topic) Known() bool {
	return knownTopics[t]
}

/*
	A scope is the (topic, instance id) pair flattened into a single routing
	key. Every subscription, and every published event, is addressed by scope.
	Singleton topics flatten to the bare topic name.
*/

type Scope struct {
	Topic      Topic  `json:"topic"`
	InstanceID string `json:"instance_id,omitempty"`
}

func ScopeOf(t Topic, instanceID string) Scope {
	if t.Singleton() {
		return Scope{Topic: t}
	}
	return Scope{Topic: t, InstanceID: instanceID}
}

// CompositeID joins two domain ids into the "a-b" instance id format used
// by relationship-scoped topics (e.g. a bot within a board).
func CompositeID(a, b string) string {
	return fmt.Sprintf("%s-%s", a, b)
}

func (s Scope) Key() string {
	if s.InstanceID == "" {
		return string(s.Topic)
	}
	return string(s.Topic) + ":" + s.InstanceID
}

func (s Scope) Valid() bool {
	if !s.Topic.Known() {
		return false
	}
	if s.Topic.Singleton() {
		return s.InstanceID == ""
	}
	return s.InstanceID != "" && !strings.ContainsRune(s.InstanceID, ':')
}
