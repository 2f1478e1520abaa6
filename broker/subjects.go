package broker

import "strings"

// Stream layout. Stream subjects live under their own prefix so the
// broadcast publish on the bare topic is never captured by a stream.
const (
	streamNamePrefix    = "docrelay-"
	streamSubjectPrefix = "docrelay.stream."
)

// StreamName maps a topic to its JetStream stream name. Stream names
// cannot contain dots.
func StreamName(topic string) string {
	return streamNamePrefix + strings.ReplaceAll(topic, ".", "-")
}

// StreamSubject maps a topic to the subject its stream entries use
func StreamSubject(topic string) string {
	return streamSubjectPrefix + topic
}

// BroadcastSubject maps a topic to its live fan-out subject. The bare
// topic is used as is; broadcast rides the pubsub connection.
func BroadcastSubject(topic string) string {
	return topic
}

// DurableName maps a consumer-group name to a valid durable name.
// Durable names cannot contain dots, spaces or wildcard tokens.
func DurableName(group string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(group)
}
