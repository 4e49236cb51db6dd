package testlib

import "os"

// MqttUrl returns the broker url integration tests run against. Empty when
// no broker is available; callers should skip.
func MqttUrl() string {
	return os.Getenv("FWBACKUPD_MQTT_URL")
}
