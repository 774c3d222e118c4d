package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TopicPrefix is the base for the bridge's own status topics.
// Readings are published outside it so that Telegraf can keep
// subscribing to "sensor/#".
const TopicPrefix = "coap-bridge"

// Topics builds the MQTT topics used by one bridge instance.
//
//	topics := mqtt.Topics{BridgeID: "coap-bridge-01"}
//	topics.Status() // "coap-bridge/coap-bridge-01/status"
//	topics.Health() // "coap-bridge/coap-bridge-01/health"
type Topics struct {
	BridgeID string
}

// Status returns the retained online/offline topic, also used for the LWT.
//
// Example: coap-bridge/coap-bridge-01/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, t.BridgeID)
}

// Health returns the retained health report topic.
//
// Example: coap-bridge/coap-bridge-01/health
func (t Topics) Health() string {
	return fmt.Sprintf("%s/%s/health", TopicPrefix, t.BridgeID)
}

// ValidatePublishTopic reports whether topic can be published to.
// Publish topics must be non-empty UTF-8 free of wildcards and NUL.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q contains a wildcard or NUL", ErrInvalidTopic, topic)
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidTopic, topic)
	}
	return nil
}
